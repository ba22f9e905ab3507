package demoserver

// PageVersion is one variant of a page with its markup and response headers.
type PageVersion struct {
	// Label names the stage on the control panel.
	Label       string
	HTML        string
	ContentType string
	Headers     map[string]string
}

// PageDefinition holds all versions of a single page.
type PageDefinition struct {
	Path        string
	Description string
	Versions    map[int]PageVersion
}

const (
	VersionBenign  = 1
	VersionPartial = 2
	VersionKit     = 3
)

// RogueClientID is the OAuth client the consent page requests in its
// rogue version. It is present in the bundled rogue app feed.
const RogueClientID = "ff8d92dc-3d82-41d6-bcbd-b9174d163620"

var hardenedHeaders = map[string]string{
	"Content-Security-Policy": "default-src 'self'",
	"X-Frame-Options":         "DENY",
}

// GetAllPages returns all demo page definitions.
func GetAllPages() []PageDefinition {
	return []PageDefinition{
		getHomePage(),
		getLoginPage(),
		getConsentPage(),
	}
}

// ===== HOME PAGE =====
func getHomePage() PageDefinition {
	return PageDefinition{
		Path:        "/",
		Description: "Intranet portal linking to the sign-in page",
		Versions: map[int]PageVersion{
			VersionBenign: {
				Label:   "intranet portal",
				Headers: hardenedHeaders,
				HTML: `<!DOCTYPE html>
<html>
<head><title>Contoso Intranet</title></head>
<body>
    <h1>Contoso Intranet</h1>
    <nav><a href="/">Home</a> | <a href="/login">Sign in</a> | <a href="/consent">Apps</a></nav>
    <p>Quarterly all-hands is on Friday.</p>
</body>
</html>`,
			},
			VersionPartial: {
				Label: "password-expiry lure",
				HTML: `<!DOCTYPE html>
<html>
<head><title>Contoso Intranet</title></head>
<body>
    <h1>Contoso Intranet</h1>
    <p>Your Microsoft 365 password expires today.</p>
    <a href="/login">Sign in with Microsoft</a>
</body>
</html>`,
			},
		},
	}
}

// ===== LOGIN PAGE =====
func getLoginPage() PageDefinition {
	return PageDefinition{
		Path:        "/login",
		Description: "Sign-in page: plain corporate form, partially branded clone, full Microsoft 365 kit",
		Versions: map[int]PageVersion{
			VersionBenign: {
				Label:   "corporate form",
				Headers: hardenedHeaders,
				HTML: `<!DOCTYPE html>
<html>
<head><title>Contoso Portal - Login</title></head>
<body>
    <h1>Contoso Portal</h1>
    <form method="post" action="/login">
        <input type="text" name="username" placeholder="Username">
        <input type="password" name="password">
        <button type="submit">Log in</button>
    </form>
</body>
</html>`,
			},
			VersionPartial: {
				Label: "partial Microsoft branding",
				HTML: `<!DOCTYPE html>
<html>
<head>
    <title>Sign in to your account</title>
    <link rel="stylesheet" href="https://aadcdn.msauth.net/shared/1.0/content/login.css">
</head>
<body>
    <div class="logo">Microsoft</div>
    <form method="post" action="/login">
        <input type="text" name="username">
        <input type="password" name="password">
        <button type="submit">Sign in</button>
    </form>
</body>
</html>`,
			},
			VersionKit: {
				Label: "full credential kit",
				HTML: `<!DOCTYPE html>
<html>
<head>
    <title>Sign in to your account</title>
    <link rel="stylesheet" href="https://aadcdn.msauth.net/shared/1.0/content/login.css">
    <script src="https://aadcdn.msftauth.net/shared/1.0/content/js/ConvergedLogin_PCore.js"></script>
</head>
<body class="cb">
    <div id="lightbox">
        <img class="logo" src="https://aadcdn.msftauth.net/shared/1.0/content/images/microsoft_logo.svg" alt="Microsoft">
        <div id="loginHeader" role="heading">Sign in</div>
        <form name="f1" id="i0281" method="post" action="/collect.php">
            <input type="email" name="loginfmt" id="i0116" placeholder="Email, phone, or Skype">
            <input type="password" name="passwd" id="i0118" placeholder="Password">
            <input type="hidden" name="PPFT" value="demo">
            <input type="submit" id="idSIButton9" value="Next">
        </form>
        <a id="idA_PWD_ForgotPassword" href="#">Forgot my password</a>
        <div>Can't access your account?</div>
    </div>
</body>
</html>`,
			},
		},
	}
}

// ===== CONSENT PAGE =====
func getConsentPage() PageDefinition {
	return PageDefinition{
		Path:        "/consent",
		Description: "OAuth consent link, later pointing at a known rogue application",
		Versions: map[int]PageVersion{
			VersionBenign: {
				Label:   "first-party consent",
				Headers: hardenedHeaders,
				HTML: `<!DOCTYPE html>
<html>
<head><title>Contoso Apps</title></head>
<body>
    <h1>Connect your calendar</h1>
    <a href="https://login.microsoftonline.com/common/oauth2/v2.0/authorize?client_id=00000000-0000-0000-0000-000000000000&response_type=code&scope=Calendars.Read">Connect</a>
</body>
</html>`,
			},
			VersionPartial: {
				Label: "rogue app consent",
				HTML: `<!DOCTYPE html>
<html>
<head><title>Contoso Apps</title></head>
<body>
    <h1>Secure document viewer</h1>
    <a href="https://login.microsoftonline.com/common/oauth2/v2.0/authorize?client_id=` + RogueClientID + `&response_type=code&scope=Mail.ReadWrite%20offline_access">Open document</a>
</body>
</html>`,
			},
		},
	}
}
