// Package docs holds the generated swagger specification for the
// management API. Regenerate with `swag init` after changing handler
// annotations.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {
            "name": "dnscore",
            "url": "https://github.com/nodeglade/dnscore"
        },
        "license": {
            "name": "MIT",
            "url": "https://opensource.org/licenses/MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/health": {
            "get": {
                "produces": ["application/json"],
                "tags": ["system"],
                "summary": "Health check",
                "description": "Returns server health status",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/models.StatusResponse"}
                    }
                }
            }
        },
        "/stats": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "produces": ["application/json"],
                "tags": ["system"],
                "summary": "Server statistics",
                "description": "Returns runtime statistics including system CPU usage, memory usage, and DNS metrics",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/models.ServerStatsResponse"}
                    }
                }
            }
        },
        "/keys": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "produces": ["application/json"],
                "tags": ["tsig"],
                "summary": "List TSIG keys",
                "description": "Returns the names and algorithms of configured TSIG keys. Secrets are never exposed.",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/models.KeysResponse"}
                    },
                    "503": {
                        "description": "Service Unavailable",
                        "schema": {"$ref": "#/definitions/models.ErrorResponse"}
                    }
                }
            }
        },
        "/events": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "produces": ["application/json"],
                "tags": ["audit"],
                "summary": "Recent query events",
                "description": "Returns the most recent query and TSIG-failure events from the audit ring.",
                "parameters": [
                    {
                        "type": "integer",
                        "default": 100,
                        "description": "maximum events to return",
                        "name": "limit",
                        "in": "query"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/models.EventsResponse"}
                    },
                    "503": {
                        "description": "Service Unavailable",
                        "schema": {"$ref": "#/definitions/models.ErrorResponse"}
                    }
                }
            }
        },
        "/spf/check": {
            "post": {
                "security": [{"ApiKeyAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["spf"],
                "summary": "Evaluate SPF",
                "description": "Runs the SPF evaluator for a client IP and sender, returning the result qualifier and the number of DNS lookups spent.",
                "parameters": [
                    {
                        "description": "evaluation input",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/models.SPFCheckRequest"}
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/models.SPFCheckResponse"}
                    },
                    "400": {
                        "description": "Bad Request",
                        "schema": {"$ref": "#/definitions/models.ErrorResponse"}
                    },
                    "503": {
                        "description": "Service Unavailable",
                        "schema": {"$ref": "#/definitions/models.ErrorResponse"}
                    }
                }
            }
        }
    },
    "definitions": {
        "models.StatusResponse": {
            "type": "object",
            "properties": {
                "status": {"type": "string"}
            }
        },
        "models.ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "string"}
            }
        },
        "models.ServerStatsResponse": {
            "type": "object",
            "properties": {
                "uptime_seconds": {"type": "number"},
                "memory": {"type": "object"},
                "cpu": {"type": "object"},
                "dns": {"type": "object"}
            }
        },
        "models.KeysResponse": {
            "type": "object",
            "properties": {
                "keys": {"type": "array", "items": {"type": "object"}}
            }
        },
        "models.EventsResponse": {
            "type": "object",
            "properties": {
                "events": {"type": "array", "items": {"type": "object"}}
            }
        },
        "models.SPFCheckRequest": {
            "type": "object",
            "required": ["ip", "sender"],
            "properties": {
                "ip": {"type": "string"},
                "sender": {"type": "string"},
                "helo": {"type": "string"},
                "domain": {"type": "string"}
            }
        },
        "models.SPFCheckResponse": {
            "type": "object",
            "properties": {
                "result": {"type": "string"},
                "explanation": {"type": "string"},
                "lookups": {"type": "integer"}
            }
        }
    },
    "securityDefinitions": {
        "ApiKeyAuth": {
            "type": "apiKey",
            "name": "X-API-Key",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "dnscore Management API",
	Description:      "REST API exposing health, runtime statistics, TSIG key metadata, and SPF evaluation.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
