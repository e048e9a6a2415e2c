// Package docs registers the admin API's OpenAPI document with swag.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/": {
            "get": {
                "description": "Basic node information and the endpoints it serves",
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Node information",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/handlers.NodeInfoResponse"}
                    }
                }
            }
        },
        "/health": {
            "get": {
                "description": "Reports whether the node's UDP socket is bound and serving",
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Health check",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/handlers.HealthResponse"}
                    },
                    "503": {
                        "description": "Service Unavailable",
                        "schema": {"$ref": "#/definitions/handlers.HealthResponse"}
                    }
                }
            }
        },
        "/system/stats": {
            "get": {
                "description": "Process metrics and the node's protocol counters",
                "produces": ["application/json"],
                "tags": ["system"],
                "summary": "Get system stats",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"type": "object", "additionalProperties": true}
                    },
                    "503": {
                        "description": "Service Unavailable",
                        "schema": {"type": "object", "additionalProperties": true}
                    }
                }
            }
        },
        "/cameras": {
            "get": {
                "description": "Configured cameras merged with live capture statistics",
                "produces": ["application/json"],
                "tags": ["cameras"],
                "summary": "List cameras",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/handlers.CameraListResponse"}
                    }
                }
            }
        },
        "/cameras/{id}/frame": {
            "get": {
                "description": "The most recent JPEG captured by a camera",
                "produces": ["image/jpeg"],
                "tags": ["cameras"],
                "summary": "Latest frame",
                "parameters": [
                    {
                        "type": "integer",
                        "description": "Camera ID",
                        "name": "id",
                        "in": "path",
                        "required": true
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"type": "file"}
                    },
                    "400": {
                        "description": "Bad Request",
                        "schema": {"type": "object", "additionalProperties": true}
                    },
                    "404": {
                        "description": "Not Found",
                        "schema": {"type": "object", "additionalProperties": true}
                    }
                }
            }
        },
        "/cameras/{id}/stream": {
            "get": {
                "description": "multipart/x-mixed-replace stream of a camera's frames for browsers",
                "produces": ["multipart/x-mixed-replace"],
                "tags": ["cameras"],
                "summary": "MJPEG stream",
                "parameters": [
                    {
                        "type": "integer",
                        "description": "Camera ID",
                        "name": "id",
                        "in": "path",
                        "required": true
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"type": "file"}
                    },
                    "400": {
                        "description": "Bad Request",
                        "schema": {"type": "object", "additionalProperties": true}
                    },
                    "404": {
                        "description": "Not Found",
                        "schema": {"type": "object", "additionalProperties": true}
                    }
                }
            }
        },
        "/sessions": {
            "get": {
                "description": "Operator sessions and the cameras each is subscribed to",
                "produces": ["application/json"],
                "tags": ["cameras"],
                "summary": "List subscriptions",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/handlers.SessionListResponse"}
                    }
                }
            }
        },
        "/relay/clients": {
            "get": {
                "description": "Learned source ids and the address last seen for each",
                "produces": ["application/json"],
                "tags": ["relay"],
                "summary": "List relay clients",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/handlers.RelayClientsResponse"}
                    }
                }
            }
        }
    },
    "definitions": {
        "handlers.HealthResponse": {
            "type": "object",
            "properties": {
                "kind": {"type": "string", "example": "camera-gateway"},
                "node_id": {"type": "string", "example": "gateway-1"},
                "status": {"type": "string", "example": "healthy"}
            }
        },
        "handlers.NodeInfoResponse": {
            "type": "object",
            "properties": {
                "endpoints": {"type": "array", "items": {"type": "string"}},
                "kind": {"type": "string", "example": "camera-gateway"},
                "node_id": {"type": "string", "example": "gateway-1"},
                "status": {"type": "string", "example": "running"},
                "version": {"type": "string", "example": "1.0.0"}
            }
        },
        "handlers.CameraListResponse": {
            "type": "object",
            "properties": {
                "cameras": {"type": "array", "items": {"$ref": "#/definitions/protocol.CameraDescriptor"}},
                "success": {"type": "boolean"}
            }
        },
        "handlers.SessionListResponse": {
            "type": "object",
            "properties": {
                "sessions": {"type": "array", "items": {"$ref": "#/definitions/session.Session"}},
                "success": {"type": "boolean"}
            }
        },
        "handlers.RelayClientsResponse": {
            "type": "object",
            "properties": {
                "clients": {"type": "array", "items": {"$ref": "#/definitions/relay.Client"}},
                "success": {"type": "boolean"}
            }
        },
        "protocol.CameraDescriptor": {
            "type": "object",
            "properties": {
                "actual_fps": {"type": "number"},
                "camera_id": {"type": "integer"},
                "capture_errors": {"type": "integer"},
                "fps": {"type": "integer"},
                "frames_captured": {"type": "integer"},
                "height": {"type": "integer"},
                "is_active": {"type": "boolean"},
                "last_frame_at": {"type": "number"},
                "name": {"type": "string"},
                "quality": {"type": "integer"},
                "state": {"type": "string"},
                "width": {"type": "integer"}
            }
        },
        "session.Session": {
            "type": "object",
            "properties": {
                "camera_ids": {"type": "array", "items": {"type": "integer"}},
                "created_at": {"type": "string"},
                "last_activity": {"type": "string"},
                "peer": {"type": "string"},
                "session_id": {"type": "string"}
            }
        },
        "relay.Client": {
            "type": "object",
            "properties": {
                "addr": {"type": "string"},
                "id": {"type": "string"},
                "last_seen": {"type": "string"},
                "packets": {"type": "integer"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "Robot Gateway API",
	Description:      "Admin API of the robot camera gateway, control gateway and relay node.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
