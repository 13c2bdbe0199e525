package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/agentworkforce/disputesync/internal/canonical"
	"github.com/agentworkforce/disputesync/internal/capability"
	"github.com/agentworkforce/disputesync/internal/log"
	"github.com/agentworkforce/disputesync/internal/normalize"
)

var pathParam = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// ProviderRequest is the adapter-specific shape of one outbound action.
type ProviderRequest struct {
	Method string
	Path   string
	Body   map[string]any
}

// Write transforms payload with the descriptor's outbound table and sends
// it. Undeclared writes fail with CapabilityError before any network call.
func (r *Runner) Write(ctx context.Context, conn canonical.Connection, action canonical.Action, payload map[string]any) error {
	if err := r.registry.Require(conn, action.Entity(), canonical.OperationWrite); err != nil {
		return err
	}
	desc, err := r.descriptor(conn)
	if err != nil {
		return err
	}
	providerReq, err := BuildRequest(desc, action, payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(providerReq.Body)
	if err != nil {
		return err
	}
	if _, err := r.do(ctx, conn, desc, providerReq.Method, joinURL(baseURL(conn, desc), providerReq.Path), body, 0); err != nil {
		return err
	}
	r.logger.Debug().
		Str(log.FieldEvent, "provider.write").
		Str(log.FieldConnectionID, conn.ConnectionID).
		Str(log.FieldAction, string(action)).
		Msg("provider write succeeded")
	return nil
}

// BuildRequest fills the path template and body table from payload. Body
// values prefixed with "=" are literals; payload keys that are absent are
// left out of the body.
func BuildRequest(desc *capability.Descriptor, action canonical.Action, payload map[string]any) (ProviderRequest, error) {
	spec, ok := desc.Outbound[action]
	if !ok {
		return ProviderRequest{}, fmt.Errorf("%w: descriptor %s has no %s mapping", canonical.ErrInvalidInput, desc.Kind, action)
	}
	var missing []string
	path := pathParam.ReplaceAllStringFunc(spec.Path, func(token string) string {
		key := token[1 : len(token)-1]
		value := normalize.ToString(payload[key])
		if value == "" {
			missing = append(missing, key)
			return token
		}
		return url.PathEscape(value)
	})
	if len(missing) > 0 {
		return ProviderRequest{}, fmt.Errorf("%w: %s %s needs %s", canonical.ErrInvalidInput, desc.Kind, action, strings.Join(missing, ", "))
	}
	body := map[string]any{}
	for field, source := range spec.Body {
		if literal, ok := strings.CutPrefix(source, "="); ok {
			normalize.SetPath(body, field, literal)
			continue
		}
		value, ok := payload[source]
		if !ok || value == nil {
			continue
		}
		normalize.SetPath(body, field, value)
	}
	return ProviderRequest{Method: spec.Method, Path: path, Body: body}, nil
}

func baseURL(conn canonical.Connection, desc *capability.Descriptor) string {
	if strings.TrimSpace(conn.BaseURL) != "" {
		return conn.BaseURL
	}
	return desc.BaseURL
}
