package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/agentworkforce/disputesync/internal/canonical"
	"github.com/agentworkforce/disputesync/internal/normalize"
)

// ReadChanges calls the descriptor's poll endpoint and returns one record
// per listed item. A zero since omits the filter.
func (r *Runner) ReadChanges(ctx context.Context, conn canonical.Connection, since time.Time) ([]Record, error) {
	desc, err := r.descriptor(conn)
	if err != nil {
		return nil, err
	}
	if desc.Poll == nil {
		return nil, fmt.Errorf("%w: adapter %s has no poll endpoint", canonical.ErrInvalidInput, desc.Kind)
	}
	if err := r.registry.Require(conn, desc.Poll.Entity, canonical.OperationRead); err != nil {
		return nil, err
	}

	target, err := url.Parse(joinURL(baseURL(conn, desc), desc.Poll.Path))
	if err != nil {
		return nil, err
	}
	if desc.Poll.SinceParam != "" && !since.IsZero() {
		query := target.Query()
		if desc.Poll.SinceFormat == "unix" {
			query.Set(desc.Poll.SinceParam, strconv.FormatInt(since.Unix(), 10))
		} else {
			query.Set(desc.Poll.SinceParam, since.UTC().Format(time.RFC3339))
		}
		target.RawQuery = query.Encode()
	}

	body, err := r.do(ctx, conn, desc, "GET", target.String(), nil, r.maxReadRetries)
	if err != nil {
		return nil, err
	}
	doc, err := normalize.DecodeDocument(body)
	if err != nil {
		return nil, &canonical.NormalizationError{AdapterKind: desc.Kind, Field: "poll", Message: "response is not a JSON object"}
	}
	listed, ok := normalize.Lookup(doc, desc.Poll.ItemsPath)
	if !ok {
		return []Record{}, nil
	}
	items, ok := listed.([]any)
	if !ok {
		return nil, &canonical.NormalizationError{AdapterKind: desc.Kind, Field: desc.Poll.ItemsPath, Message: "poll items are not a list"}
	}

	records := make([]Record, 0, len(items))
	for _, item := range items {
		id := normalize.LookupString(item, desc.Poll.RecordIDPath)
		if id == "" {
			r.logger.Warn().Str("adapter_kind", desc.Kind).Msg("skipping polled record without id")
			continue
		}
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		// encoding/json sorts map keys, so equal records hash equally.
		sum := sha256.Sum256(raw)
		wrapped := normalize.Wrap(desc.Poll.WrapAs, item)
		wrappedRaw, err := json.Marshal(wrapped)
		if err != nil {
			return nil, err
		}
		records = append(records, Record{
			ID:        id,
			EventType: desc.Poll.EventType,
			Document:  wrapped,
			Raw:       wrappedRaw,
			Hash:      hex.EncodeToString(sum[:]),
		})
	}
	return records, nil
}
