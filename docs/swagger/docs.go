// Package swagger holds the OpenAPI document served at /swagger/index.html
package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "license": {
            "name": "AGPL-3.0-only"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "securityDefinitions": {
        "APISecret": {
            "type": "apiKey",
            "name": "X-API-Secret",
            "in": "header"
        }
    },
    "paths": {
        "/health": {
            "get": {
                "tags": ["health"],
                "summary": "Health check endpoint",
                "description": "Liveness plus whether a price has been cached yet",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"type": "object", "properties": {"message": {"type": "string"}, "chainId": {"type": "string"}, "priceCached": {"type": "boolean"}}}}}
            }
        },
        "/price": {
            "get": {
                "tags": ["price"],
                "summary": "Cached token price",
                "produces": ["application/json"],
                "responses": {
                    "200": {"description": "OK"},
                    "503": {"description": "Price unavailable"}
                }
            }
        },
        "/price/refresh": {
            "post": {
                "security": [{"APISecret": []}],
                "tags": ["price"],
                "summary": "Refresh the cached price from the oracle",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"in": "body", "name": "request", "schema": {"type": "object", "properties": {"force": {"type": "boolean"}}}}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "503": {"description": "Price unavailable"}
                }
            }
        },
        "/deposit": {
            "get": {
                "tags": ["paymaster"],
                "summary": "Entry point deposit, swap-back status and operation counts",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/replenish": {
            "post": {
                "security": [{"APISecret": []}],
                "tags": ["paymaster"],
                "summary": "Run the token swap-back now",
                "produces": ["application/json"],
                "responses": {
                    "200": {"description": "OK"},
                    "502": {"description": "Swap failed"}
                }
            }
        },
        "/withdraw": {
            "post": {
                "security": [{"APISecret": []}],
                "tags": ["paymaster"],
                "summary": "Transfer collected tokens out of the paymaster",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"in": "body", "name": "request", "required": true, "schema": {"type": "object", "properties": {"to": {"type": "string"}, "amount": {"type": "string"}}}}
                ],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/operations": {
            "get": {
                "security": [{"APISecret": []}],
                "tags": ["operations"],
                "summary": "Sponsored operations in a settlement state, newest first",
                "produces": ["application/json"],
                "parameters": [
                    {"in": "query", "name": "state", "type": "string", "enum": ["PRECHARGED", "SETTLED", "FLAGGED"], "default": "FLAGGED"},
                    {"in": "query", "name": "limit", "type": "integer", "default": 50}
                ],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/operations/validate": {
            "post": {
                "security": [{"APISecret": []}],
                "tags": ["operations"],
                "summary": "Price a user operation and precharge its sender",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"in": "body", "name": "request", "required": true, "schema": {"type": "object", "properties": {"userOperation": {"type": "object"}, "maxCost": {"type": "string"}}}}
                ],
                "responses": {
                    "201": {"description": "Precharged"},
                    "400": {"description": "Invalid paymaster data"},
                    "402": {"description": "Insufficient token balance or allowance"},
                    "409": {"description": "Operation hash already used"},
                    "503": {"description": "Price unavailable"}
                }
            }
        },
        "/operations/{hash}": {
            "get": {
                "tags": ["operations"],
                "summary": "Sponsored operation by user operation hash",
                "produces": ["application/json"],
                "parameters": [
                    {"in": "path", "name": "hash", "type": "string", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "404": {"description": "Not found"}
                }
            }
        },
        "/operations/{hash}/postop": {
            "post": {
                "security": [{"APISecret": []}],
                "tags": ["operations"],
                "summary": "Settle a precharged operation and refund the difference",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"in": "path", "name": "hash", "type": "string", "required": true},
                    {"in": "body", "name": "request", "required": true, "schema": {"type": "object", "properties": {"mode": {"type": "string", "enum": ["succeeded", "reverted"]}, "actualGasCost": {"type": "string"}, "actualUserOpFeePerGas": {"type": "string"}}}}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "409": {"description": "Unknown or already settled operation"}
                }
            }
        },
        "/operations/{hash}/force-settle": {
            "post": {
                "security": [{"APISecret": []}],
                "tags": ["operations"],
                "summary": "Settle a flagged or abandoned operation",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"in": "path", "name": "hash", "type": "string", "required": true},
                    {"in": "body", "name": "request", "schema": {"type": "object", "properties": {"actualGasCost": {"type": "string"}}}}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "404": {"description": "Not found"},
                    "409": {"description": "Already settled"}
                }
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "",
	Host:             "localhost:8080",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "",
	Description:      "",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
