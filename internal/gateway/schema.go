package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaRegistry struct {
	once    sync.Once
	initErr error
	request *jsonschema.Schema
	methods map[string]*jsonschema.Schema
}

var frameSchemas schemaRegistry

func initFrameSchemas() error {
	frameSchemas.once.Do(func() {
		reqSchema, err := jsonschema.CompileString("request", requestFrameSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.request = reqSchema

		methods := map[string]string{
			"connect":               connectParamsSchema,
			"ping":                  emptyParamsSchema,
			"health":                emptyParamsSchema,
			"chat.send":             chatSendParamsSchema,
			"chat.history":          chatHistoryParamsSchema,
			"chat.abort":            chatAbortParamsSchema,
			"sessions.list":         sessionsListParamsSchema,
			"session.patch":         sessionPatchParamsSchema,
			"session.delete":        sessionKeyParamsSchema,
			"session.reset":         sessionKeyParamsSchema,
			"exec.approvals.list":   emptyParamsSchema,
			"exec.approval.resolve": approvalResolveParamsSchema,
		}

		frameSchemas.methods = make(map[string]*jsonschema.Schema, len(methods))
		for name, schema := range methods {
			compiled, err := jsonschema.CompileString("method_"+name, schema)
			if err != nil {
				frameSchemas.initErr = err
				return
			}
			frameSchemas.methods[name] = compiled
		}
	})
	return frameSchemas.initErr
}

// validateRequestFrame checks the envelope and, when the method is known,
// its params against the method's schema. Unknown methods pass here and
// fail later in dispatch with method_not_found.
func validateRequestFrame(raw []byte, frame *Frame) error {
	if err := initFrameSchemas(); err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := frameSchemas.request.Validate(payload); err != nil {
		return err
	}
	if frame == nil {
		return fmt.Errorf("missing frame")
	}
	if schema := frameSchemas.methods[frame.Method]; schema != nil {
		var params any
		if len(frame.Params) == 0 {
			params = map[string]any{}
		} else if err := json.Unmarshal(frame.Params, &params); err != nil {
			return err
		}
		if err := schema.Validate(params); err != nil {
			return err
		}
	}
	return nil
}

const requestFrameSchema = `{
  "type": "object",
  "required": ["type", "id", "method"],
  "properties": {
    "type": { "const": "req" },
    "id": { "type": "string", "minLength": 1 },
    "method": { "type": "string", "minLength": 1 },
    "params": {}
  },
  "additionalProperties": true
}`

const emptyParamsSchema = `{
  "type": "object",
  "additionalProperties": true
}`

const connectParamsSchema = `{
  "type": "object",
  "required": ["minProtocol", "maxProtocol", "client"],
  "properties": {
    "minProtocol": { "type": "integer", "minimum": 1 },
    "maxProtocol": { "type": "integer", "minimum": 1 },
    "client": {
      "type": "object",
      "required": ["id", "version", "platform"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "version": { "type": "string", "minLength": 1 },
        "platform": { "type": "string", "minLength": 1 },
        "mode": { "type": "string" }
      },
      "additionalProperties": true
    }
  },
  "additionalProperties": true
}`

const chatSendParamsSchema = `{
  "type": "object",
  "required": ["text"],
  "properties": {
    "text": { "type": "string", "minLength": 1 },
    "model": { "type": "string" },
    "sessionKey": { "type": "string" },
    "binding": {
      "type": "object",
      "properties": {
        "peerId": { "type": "string" },
        "guildId": { "type": "string" },
        "teamId": { "type": "string" },
        "accountId": { "type": "string" },
        "channelId": { "type": "string" }
      },
      "additionalProperties": true
    },
    "idempotencyKey": { "type": "string" },
    "metadata": { "type": "object" }
  },
  "additionalProperties": true
}`

const chatHistoryParamsSchema = `{
  "type": "object",
  "required": ["sessionKey"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "limit": { "type": "integer", "minimum": 1, "maximum": 500 }
  },
  "additionalProperties": true
}`

const chatAbortParamsSchema = `{
  "type": "object",
  "required": ["sessionKey"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const sessionsListParamsSchema = `{
  "type": "object",
  "properties": {
    "agentId": { "type": "string" },
    "limit": { "type": "integer", "minimum": 1, "maximum": 500 },
    "offset": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": true
}`

const sessionPatchParamsSchema = `{
  "type": "object",
  "required": ["key"],
  "properties": {
    "key": { "type": "string", "minLength": 1 },
    "label": { "type": ["string", "null"] },
    "model": { "type": ["string", "null"] },
    "metadata": { "type": "object" }
  },
  "additionalProperties": true
}`

const sessionKeyParamsSchema = `{
  "type": "object",
  "required": ["key"],
  "properties": {
    "key": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const approvalResolveParamsSchema = `{
  "type": "object",
  "required": ["requestId", "decision"],
  "properties": {
    "requestId": { "type": "string", "minLength": 1 },
    "decision": { "enum": ["approved", "denied"] }
  },
  "additionalProperties": true
}`
