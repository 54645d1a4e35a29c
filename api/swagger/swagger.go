package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "SignalHub API",
        "description": "Trading signal sharing service with JWT session management",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": ["http", "https"],
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "tags": [
        {"name": "Authentication", "description": "Session lifecycle"},
        {"name": "Users", "description": "Account administration"},
        {"name": "Signals", "description": "Trading signals"},
        {"name": "Operations", "description": "Health and metrics"}
    ],
    "paths": {
        "/auth/register": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Register account",
                "parameters": [{"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/RegisterRequest"}}],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Validation failed", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Email already registered", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/auth/login": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Authenticate user",
                "parameters": [{"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/LoginRequest"}}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "Invalid credentials", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/auth/refresh": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Rotate the refresh token",
                "description": "The refresh token is read from the refresh cookie, then from the body.",
                "parameters": [{"name": "payload", "in": "body", "required": false, "schema": {"$ref": "#/definitions/RefreshTokenRequest"}}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "Invalid, expired or reused refresh token", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/auth/logout": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Logout current session",
                "parameters": [{"name": "payload", "in": "body", "required": false, "schema": {"$ref": "#/definitions/RefreshTokenRequest"}}],
                "responses": {"204": {"description": "Logged out"}}
            }
        },
        "/auth/logout-all": {
            "post": {
                "tags": ["Authentication"],
                "security": [{"BearerAuth": []}],
                "summary": "Logout every session",
                "responses": {
                    "204": {"description": "All refresh tokens invalidated"},
                    "401": {"description": "Unauthenticated", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/auth/me": {
            "get": {
                "tags": ["Authentication"],
                "security": [{"BearerAuth": []}],
                "summary": "Current user",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "TOKEN_EXPIRED, TOKEN_REVOKED or TOKEN_INVALID", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/auth/password": {
            "put": {
                "tags": ["Authentication"],
                "security": [{"BearerAuth": []}],
                "summary": "Change password",
                "parameters": [{"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ChangePasswordRequest"}}],
                "responses": {
                    "204": {"description": "Password changed, sessions ended"},
                    "403": {"description": "Old password mismatch", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/users": {
            "get": {
                "tags": ["Users"],
                "security": [{"BearerAuth": []}],
                "summary": "List users",
                "parameters": [
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "page_size", "in": "query", "type": "integer"},
                    {"name": "role", "in": "query", "type": "string", "enum": ["user", "admin"]},
                    {"name": "active", "in": "query", "type": "boolean"},
                    {"name": "search", "in": "query", "type": "string"},
                    {"name": "sort_by", "in": "query", "type": "string"},
                    {"name": "sort_order", "in": "query", "type": "string"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/users/{id}": {
            "get": {
                "tags": ["Users"],
                "security": [{"BearerAuth": []}],
                "summary": "Get user",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            },
            "put": {
                "tags": ["Users"],
                "security": [{"BearerAuth": []}],
                "summary": "Update user",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/UpdateUserRequest"}}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            },
            "delete": {
                "tags": ["Users"],
                "security": [{"BearerAuth": []}],
                "summary": "Deactivate user",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"204": {"description": "Deactivated"}}
            }
        },
        "/signals": {
            "get": {
                "tags": ["Signals"],
                "security": [{"BearerAuth": []}],
                "summary": "List signals",
                "parameters": [
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "page_size", "in": "query", "type": "integer"},
                    {"name": "symbol", "in": "query", "type": "string"},
                    {"name": "direction", "in": "query", "type": "string", "enum": ["BUY", "SELL"]},
                    {"name": "status", "in": "query", "type": "string", "enum": ["ACTIVE", "CLOSED", "CANCELLED"]},
                    {"name": "user_id", "in": "query", "type": "string"},
                    {"name": "search", "in": "query", "type": "string"},
                    {"name": "sort_by", "in": "query", "type": "string"},
                    {"name": "sort_order", "in": "query", "type": "string"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            },
            "post": {
                "tags": ["Signals"],
                "security": [{"BearerAuth": []}],
                "summary": "Publish signal",
                "parameters": [{"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateSignalRequest"}}],
                "responses": {"201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/signals/{id}": {
            "get": {
                "tags": ["Signals"],
                "security": [{"BearerAuth": []}],
                "summary": "Get signal",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            },
            "put": {
                "tags": ["Signals"],
                "security": [{"BearerAuth": []}],
                "summary": "Update signal",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/UpdateSignalRequest"}}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            },
            "delete": {
                "tags": ["Signals"],
                "security": [{"BearerAuth": []}],
                "summary": "Delete signal",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"204": {"description": "Deleted"}}
            }
        },
        "/signals/stats": {
            "get": {
                "tags": ["Signals"],
                "security": [{"BearerAuth": []}],
                "summary": "Signal statistics",
                "responses": {"200": {"description": "OK; meta.cache_hit reports a cached answer", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/signals/export": {
            "get": {
                "tags": ["Signals"],
                "security": [{"BearerAuth": []}],
                "summary": "Export signals",
                "produces": ["text/csv", "application/pdf"],
                "parameters": [{"name": "format", "in": "query", "type": "string", "enum": ["csv", "pdf"]}],
                "responses": {"200": {"description": "Attachment", "schema": {"type": "file"}}}
            }
        },
        "/metrics/summary": {
            "get": {
                "tags": ["Operations"],
                "security": [{"BearerAuth": []}],
                "summary": "Metrics summary",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        }
    },
    "definitions": {
        "RegisterRequest": {
            "type": "object",
            "required": ["name", "email", "password"],
            "properties": {
                "name": {"type": "string"},
                "email": {"type": "string", "format": "email"},
                "password": {"type": "string", "minLength": 8}
            }
        },
        "LoginRequest": {
            "type": "object",
            "required": ["email", "password"],
            "properties": {
                "email": {"type": "string", "format": "email"},
                "password": {"type": "string"}
            }
        },
        "RefreshTokenRequest": {
            "type": "object",
            "properties": {"refreshToken": {"type": "string"}}
        },
        "ChangePasswordRequest": {
            "type": "object",
            "required": ["oldPassword", "newPassword"],
            "properties": {
                "oldPassword": {"type": "string"},
                "newPassword": {"type": "string", "minLength": 8}
            }
        },
        "UpdateUserRequest": {
            "type": "object",
            "properties": {
                "name": {"type": "string"},
                "role": {"type": "string", "enum": ["user", "admin"]},
                "active": {"type": "boolean"}
            }
        },
        "CreateSignalRequest": {
            "type": "object",
            "required": ["symbol", "direction", "entry_price", "target_price", "stop_loss", "timeframe"],
            "properties": {
                "symbol": {"type": "string"},
                "direction": {"type": "string", "enum": ["BUY", "SELL"]},
                "entry_price": {"type": "number"},
                "target_price": {"type": "number"},
                "stop_loss": {"type": "number"},
                "timeframe": {"type": "string", "enum": ["1m", "5m", "15m", "1h", "4h", "1d", "1w"]},
                "confidence": {"type": "integer", "minimum": 0, "maximum": 100},
                "notes": {"type": "string"}
            }
        },
        "UpdateSignalRequest": {
            "type": "object",
            "properties": {
                "target_price": {"type": "number"},
                "stop_loss": {"type": "number"},
                "confidence": {"type": "integer"},
                "status": {"type": "string", "enum": ["ACTIVE", "CLOSED", "CANCELLED"]},
                "notes": {"type": "string"}
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
