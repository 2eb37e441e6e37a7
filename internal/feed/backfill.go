package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"xrplwatch/internal/version"
)

type accountTxRequest struct {
	Method string            `json:"method"`
	Params []accountTxParams `json:"params"`
}

type accountTxParams struct {
	Account        string          `json:"account"`
	LedgerIndexMin int64           `json:"ledger_index_min"`
	LedgerIndexMax int64           `json:"ledger_index_max"`
	Limit          int             `json:"limit"`
	Forward        bool            `json:"forward"`
	Marker         json.RawMessage `json:"marker,omitempty"`
}

type accountTxResponse struct {
	Result struct {
		Status       string            `json:"status"`
		Error        string            `json:"error"`
		ErrorMessage string            `json:"error_message"`
		Transactions []json.RawMessage `json:"transactions"`
		Marker       json.RawMessage   `json:"marker"`
	} `json:"result"`
}

// historyItem covers both the api_version 1 (tx) and 2 (tx_json) layouts.
type historyItem struct {
	Tx          json.RawMessage `json:"tx"`
	TxJSON      json.RawMessage `json:"tx_json"`
	Meta        json.RawMessage `json:"meta"`
	Hash        string          `json:"hash"`
	LedgerIndex int64           `json:"ledger_index"`
	Validated   bool            `json:"validated"`
}

// Backfill implements EventSource. Fetch failures are wrapped; handler errors
// come back unchanged.
func (c *Client) Backfill(ctx context.Context, minLedger int64, handle Handler) error {
	if c.opts.RPCURL == "" {
		return errors.New("xrpl rpc url not configured")
	}
	if minLedger <= 0 {
		minLedger = -1
	}

	for _, account := range c.opts.Accounts {
		replayed, err := c.backfillAccount(ctx, account, minLedger, handle)
		if err != nil {
			return err
		}
		c.logger.Info().Str("account", account).Int64("from_ledger", minLedger).Int("events", replayed).Msg("backfill complete")
	}
	return nil
}

func (c *Client) backfillAccount(ctx context.Context, account string, minLedger int64, handle Handler) (int, error) {
	var marker json.RawMessage
	replayed := 0

	for page := 0; ; page++ {
		if c.opts.BackfillMaxPages > 0 && page >= c.opts.BackfillMaxPages {
			c.logger.Warn().Str("account", account).Int("pages", page).Msg("backfill page limit reached, remaining history skipped")
			return replayed, nil
		}

		res, err := c.accountTx(ctx, accountTxParams{
			Account:        account,
			LedgerIndexMin: minLedger,
			LedgerIndexMax: -1,
			Limit:          c.opts.BackfillPageSize,
			Forward:        true,
			Marker:         marker,
		})
		if err != nil {
			return replayed, fmt.Errorf("account_tx %s: %w", account, err)
		}

		for _, rawItem := range res.Result.Transactions {
			var item historyItem
			if err := json.Unmarshal(rawItem, &item); err != nil {
				c.logger.Debug().Err(err).Msg("skipping undecodable history item")
				continue
			}
			if err := handle(ctx, item.event(rawItem)); err != nil {
				return replayed, err
			}
			replayed++
		}

		marker = res.Result.Marker
		if len(marker) == 0 || string(marker) == "null" {
			return replayed, nil
		}
	}
}

func (item historyItem) event(raw json.RawMessage) RawEvent {
	body := item.Tx
	if len(body) == 0 {
		body = item.TxJSON
	}
	return RawEvent{
		Type:        "transaction",
		Transaction: body,
		Meta:        item.Meta,
		Hash:        item.Hash,
		LedgerIndex: item.LedgerIndex,
		Validated:   item.Validated,
		Raw:         raw,
	}
}

func (c *Client) accountTx(ctx context.Context, params accountTxParams) (*accountTxResponse, error) {
	body, err := json.Marshal(accountTxRequest{Method: "account_tx", Params: []accountTxParams{params}})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.RPCURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		if len(payload) > 0 {
			return nil, fmt.Errorf("rpc error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
		}
		return nil, fmt.Errorf("rpc error (%d)", resp.StatusCode)
	}

	var out accountTxResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Result.Status == "error" || out.Result.Error != "" {
		return nil, fmt.Errorf("rpc error: %s", firstNonEmpty(out.Result.ErrorMessage, out.Result.Error))
	}
	return &out, nil
}
