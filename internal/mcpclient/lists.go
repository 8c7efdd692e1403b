package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Bliod-Cook/drome/internal/types"
)

// invalidate drops one cached list of s after a list-changed notification.
func (m *Manager) invalidate(s *session, k listKind) {
	s.cache.invalidate(k)
	m.logger.Debug("mcp.list_changed", "server", s.cfg.ID, "list", k.String())
	m.hub.publish(Notification{Kind: NotifyListChanged, ServerID: s.cfg.ID, List: k.String()})
}

// cachedList returns the cached list of kind k or fetches it. Servers that
// do not offer prompts or resources yield an empty list.
func cachedList[T any](ctx context.Context, m *Manager, serverID string, k listKind, fetch func(context.Context, remoteSession) ([]T, error)) ([]T, error) {
	s, err := m.session(ctx, serverID)
	if err != nil {
		return nil, err
	}
	v, gen, ok := s.cache.get(k)
	if ok {
		return v.([]T), nil
	}
	if !s.caps.supports(k) {
		out := []T{}
		s.cache.put(k, gen, out)
		return out, nil
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	out, err := fetch(ctx, s.remote)
	release()
	if err != nil {
		if k != listTools && isMethodNotFound(err) {
			m.logger.Debug("mcp.list.unsupported", "server", serverID, "list", k.String())
			out = []T{}
		} else {
			return nil, fmt.Errorf("list %s on %s: %w", k, serverID, err)
		}
	}
	if out == nil {
		out = []T{}
	}
	s.cache.put(k, gen, out)
	return out, nil
}

// ListTools returns the tools of a server.
func (m *Manager) ListTools(ctx context.Context, serverID string) ([]types.ToolSpec, error) {
	return cachedList(ctx, m, serverID, listTools, func(ctx context.Context, r remoteSession) ([]types.ToolSpec, error) {
		var out []types.ToolSpec
		params := &mcpsdk.ListToolsParams{}
		for {
			res, err := r.ListTools(ctx, params)
			if err != nil {
				return nil, err
			}
			for _, t := range res.Tools {
				if t == nil {
					continue
				}
				out = append(out, types.ToolSpec{
					Name:        t.Name,
					Description: t.Description,
					InputSchema: schemaMap(t.InputSchema),
					ServerID:    serverID,
				})
			}
			if res.NextCursor == "" {
				return out, nil
			}
			params.Cursor = res.NextCursor
		}
	})
}

// ListPrompts returns the prompt templates of a server.
func (m *Manager) ListPrompts(ctx context.Context, serverID string) ([]types.PromptSpec, error) {
	return cachedList(ctx, m, serverID, listPrompts, func(ctx context.Context, r remoteSession) ([]types.PromptSpec, error) {
		var out []types.PromptSpec
		params := &mcpsdk.ListPromptsParams{}
		for {
			res, err := r.ListPrompts(ctx, params)
			if err != nil {
				return nil, err
			}
			for _, p := range res.Prompts {
				if p == nil {
					continue
				}
				spec := types.PromptSpec{Name: p.Name, Description: p.Description}
				for _, a := range p.Arguments {
					if a == nil {
						continue
					}
					spec.Arguments = append(spec.Arguments, types.PromptArgument{Name: a.Name, Description: a.Description, Required: a.Required})
				}
				out = append(out, spec)
			}
			if res.NextCursor == "" {
				return out, nil
			}
			params.Cursor = res.NextCursor
		}
	})
}

// ListResources returns the resources of a server.
func (m *Manager) ListResources(ctx context.Context, serverID string) ([]types.ResourceSpec, error) {
	return cachedList(ctx, m, serverID, listResources, func(ctx context.Context, r remoteSession) ([]types.ResourceSpec, error) {
		var out []types.ResourceSpec
		params := &mcpsdk.ListResourcesParams{}
		for {
			res, err := r.ListResources(ctx, params)
			if err != nil {
				return nil, err
			}
			for _, rs := range res.Resources {
				if rs == nil {
					continue
				}
				out = append(out, types.ResourceSpec{URI: rs.URI, Name: rs.Name, Description: rs.Description, MimeType: rs.MIMEType})
			}
			if res.NextCursor == "" {
				return out, nil
			}
			params.Cursor = res.NextCursor
		}
	})
}

// ToolSpecs assembles the tools of several servers into one request tool
// list. On a name collision the first server wins.
func (m *Manager) ToolSpecs(ctx context.Context, serverIDs []string) ([]types.ToolSpec, error) {
	var out []types.ToolSpec
	owner := make(map[string]string)
	for _, id := range serverIDs {
		tools, err := m.ListTools(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, t := range tools {
			if first, dup := owner[t.Name]; dup {
				m.logger.Warn("mcp.tool.collision", "tool", t.Name, "kept", first, "dropped", id)
				continue
			}
			owner[t.Name] = id
			out = append(out, t)
		}
	}
	return out, nil
}

// GetPrompt renders a prompt template. Argument values that are not strings
// are passed as their JSON text.
func (m *Manager) GetPrompt(ctx context.Context, serverID, name, argsJSON string) (*types.PromptContent, error) {
	raw, err := parseArguments(argsJSON)
	if err != nil {
		return nil, err
	}
	args := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			args[k] = s
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %q: %v", ErrInvalidArguments, k, err)
		}
		args[k] = string(b)
	}

	s, err := m.session(ctx, serverID)
	if err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.remote.GetPrompt(ctx, &mcpsdk.GetPromptParams{Name: name, Arguments: args})
	release()
	if err != nil {
		return nil, fmt.Errorf("get prompt %s on %s: %w", name, serverID, err)
	}
	out := &types.PromptContent{Description: res.Description, Messages: []types.PromptMessage{}}
	for _, msg := range res.Messages {
		if msg == nil {
			continue
		}
		content, err := json.Marshal(msg.Content)
		if err != nil {
			return nil, fmt.Errorf("encode prompt content: %w", err)
		}
		out.Messages = append(out.Messages, types.PromptMessage{Role: string(msg.Role), Content: content})
	}
	return out, nil
}

// ReadResource reads the contents of a resource.
func (m *Manager) ReadResource(ctx context.Context, serverID, uri string) ([]types.ResourceContent, error) {
	s, err := m.session(ctx, serverID)
	if err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.remote.ReadResource(ctx, &mcpsdk.ReadResourceParams{URI: uri})
	release()
	if err != nil {
		return nil, fmt.Errorf("read resource %s on %s: %w", uri, serverID, err)
	}
	out := make([]types.ResourceContent, 0, len(res.Contents))
	for _, c := range res.Contents {
		if c == nil {
			continue
		}
		out = append(out, types.ResourceContent{URI: c.URI, MimeType: c.MIMEType, Text: c.Text, Blob: c.Blob})
	}
	return out, nil
}

// schemaMap converts whatever schema representation the SDK produced into a
// plain JSON object.
func schemaMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if json.Unmarshal(b, &out) != nil {
		return nil
	}
	return out
}
