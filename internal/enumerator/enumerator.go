// Package enumerator discovers pages reachable from a lure URL, so a scan
// can reach the sign-in page a phishing email actually leads to.
package enumerator

import "context"

type Enumerator interface {
	Enumerate(ctx context.Context, target string) ([]string, error)
}
