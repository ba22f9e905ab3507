// Package docs holds the swagger spec served at /swagger/*.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {
            "name": "m365guard Maintainers",
            "url": "https://github.com/raysh454/m365guard"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/messages": {
            "post": {
                "description": "Decodes a {\"type\": ..., \"tabId\": ...} envelope and returns the handler's response.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["messages"],
                "summary": "Dispatch an extension message",
                "parameters": [
                    {
                        "description": "Message envelope",
                        "name": "message",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/server.MessageEnvelope"}
                    }
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/server.ErrorResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/server.ErrorResponse"}}
                }
            }
        },
        "/healthz": {
            "get": {
                "produces": ["application/json"],
                "tags": ["status"],
                "summary": "Liveness and fallback state",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/messaging.PingResponse"}}
                }
            }
        },
        "/rules": {
            "get": {
                "produces": ["application/json"],
                "tags": ["rules"],
                "summary": "Current detection rules and cache metadata",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/statistics": {
            "get": {
                "produces": ["application/json"],
                "tags": ["telemetry"],
                "summary": "Aggregate counts from persisted logs",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/telemetry.Statistics"}}
                }
            }
        },
        "/tabs/{tabID}/verdict": {
            "get": {
                "produces": ["application/json"],
                "tags": ["verdicts"],
                "summary": "Current verdict of a tab",
                "parameters": [
                    {"type": "integer", "description": "Tab id", "name": "tabID", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/server.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/server.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "messaging.PingResponse": {
            "type": "object",
            "properties": {
                "success": {"type": "boolean"},
                "initialized": {"type": "boolean"},
                "fallbackMode": {"type": "boolean"},
                "errorCount": {"type": "integer"}
            }
        },
        "server.ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "string"},
                "type": {"type": "string"}
            }
        },
        "server.MessageEnvelope": {
            "type": "object",
            "properties": {
                "type": {"type": "string", "example": "SCAN_PAGE"},
                "tabId": {"type": "integer", "example": 42},
                "url": {"type": "string"},
                "markup": {"type": "string"},
                "clientId": {"type": "string"}
            }
        },
        "telemetry.Statistics": {
            "type": "object",
            "properties": {
                "blockedThreats": {"type": "integer"},
                "rogueApps": {"type": "integer"},
                "legitimateSites": {"type": "integer"},
                "totalScans": {"type": "integer"},
                "securityEvents": {"type": "integer"},
                "accessEvents": {"type": "integer"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "0.1",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "m365guard API",
	Description:      "Message endpoint and read-only views of the m365guard phishing detection service.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
