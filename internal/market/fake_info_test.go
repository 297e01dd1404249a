package market

import (
	"context"
	"fmt"

	"hl-chat-trader/internal/hl/rest"

	json "github.com/goccy/go-json"
)

// fakeInfo answers info requests from canned JSON keyed by "type" or "type/dex".
type fakeInfo struct {
	responses map[string]string
	errs      map[string]error
	requests  []rest.InfoRequest
}

func (f *fakeInfo) Info(_ context.Context, req any, out any) error {
	r := req.(rest.InfoRequest)
	f.requests = append(f.requests, r)
	key := r.Type
	if r.Dex != "" {
		key += "/" + r.Dex
	}
	if err := f.errs[key]; err != nil {
		return err
	}
	body, ok := f.responses[key]
	if !ok {
		return fmt.Errorf("unexpected request %s", key)
	}
	return json.Unmarshal([]byte(body), out)
}
