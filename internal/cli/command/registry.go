package command

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Registry returns all CLI commands keyed by "service action".
func Registry() map[string]Command {
	commands := []Command{
		{
			Service:      "grader",
			Action:       "login",
			Method:       "POST",
			PathTemplate: "/api/v1/grading/login",
			RequiresAuth: false,
			Fields: []Field{
				{Name: "name", Aliases: []string{"username"}, Prompt: "name", Type: FieldString, Required: true},
				{Name: "password", Prompt: "password", Type: FieldString, Required: true, Secret: true},
			},
		},
		{
			Service:      "batch",
			Action:       "submit",
			Method:       "POST",
			PathTemplate: "/api/v1/grading/batches",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "assignment_id", Aliases: []string{"assignment"}, Prompt: "assignment_id", Type: FieldString, Required: true},
				{Name: "version", Prompt: "pack version", Type: FieldInt64, Required: true},
				{Name: "archive_key", Prompt: "archive object key", Type: FieldString, Required: true},
				{Name: "pack_key", Prompt: "resource pack object key", Type: FieldString, Required: true},
				{Name: "title", Prompt: "assignment title", Type: FieldString, Required: false},
				{Name: "pack_hash", Prompt: "pack sha256", Type: FieldString, Required: false},
				{Name: "timeout_ms", Prompt: "step timeout ms", Type: FieldInt64, Required: false},
			},
		},
		{
			Service:      "batch",
			Action:       "status",
			Method:       "GET",
			PathTemplate: "/api/v1/grading/batches/:id",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "id", Aliases: []string{"batch_id"}, Prompt: "batch_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "batch",
			Action:       "purge",
			Method:       "DELETE",
			PathTemplate: "/api/v1/grading/batches/:id",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "id", Aliases: []string{"batch_id"}, Prompt: "batch_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "batch",
			Action:       "report",
			Method:       "GET",
			PathTemplate: "/api/v1/grading/batches/:id/students/:sid",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "id", Aliases: []string{"batch_id"}, Prompt: "batch_id", Type: FieldString, Required: true},
				{Name: "sid", Aliases: []string{"student_id"}, Prompt: "student_id", Type: FieldString, Required: true},
			},
		},
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		key := fmt.Sprintf("%s %s", cmd.Service, cmd.Action)
		result[key] = cmd
	}
	return result
}

// BuildRequest creates HTTP request spec based on command.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	params.Canonicalize(cmd.Fields)
	path, err := buildPath(cmd.PathTemplate, params)
	if err != nil {
		return RequestSpec{}, err
	}

	var body []byte
	if cmd.Method != "GET" && cmd.Method != "DELETE" {
		payload, err := buildPayload(cmd, params)
		if err != nil {
			return RequestSpec{}, err
		}
		if payload != nil {
			body, err = json.Marshal(payload)
			if err != nil {
				return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
			}
		}
	}

	return RequestSpec{
		Method: cmd.Method,
		Path:   path,
		Body:   body,
	}, nil
}

func buildPath(template string, params Params) (string, error) {
	path := template
	for _, key := range []string{"sid", "id"} {
		placeholder := ":" + key
		if strings.Contains(path, placeholder) {
			value := params.Get(key)
			if value == "" {
				return "", fmt.Errorf("missing path parameter: %s", key)
			}
			path = strings.ReplaceAll(path, placeholder, value)
		}
	}
	return path, nil
}

func buildPayload(cmd Command, params Params) (interface{}, error) {
	switch {
	case cmd.Service == "grader" && cmd.Action == "login":
		return map[string]string{
			"name":     params.Get("name"),
			"password": params.Get("password"),
		}, nil
	case cmd.Service == "batch" && cmd.Action == "submit":
		return buildSubmitPayload(params)
	}
	return nil, nil
}

func buildSubmitPayload(params Params) (interface{}, error) {
	version, err := ParseInt64(params.Get("version"))
	if err != nil {
		return nil, fmt.Errorf("invalid version: %w", err)
	}
	payload := map[string]interface{}{
		"assignment_id": params.Get("assignment_id"),
		"version":       version,
		"archive_key":   params.Get("archive_key"),
		"pack_key":      params.Get("pack_key"),
	}
	if params.Get("title") != "" {
		payload["assignment"] = params.Get("title")
	}
	if params.Get("pack_hash") != "" {
		payload["pack_hash"] = params.Get("pack_hash")
	}
	if params.Get("timeout_ms") != "" {
		timeoutMs, err := ParseInt64(params.Get("timeout_ms"))
		if err != nil {
			return nil, fmt.Errorf("invalid timeout_ms: %w", err)
		}
		payload["limits"] = map[string]interface{}{"timeout_ms": timeoutMs}
	}
	return payload, nil
}
