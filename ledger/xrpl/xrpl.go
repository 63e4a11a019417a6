package xrpl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	logging "github.com/textileio/go-log/v2"
	"github.com/textileio/market-core/ledger"
)

var log = logging.Logger("ledger/xrpl")

const defaultTimeout = time.Second * 10

// Client talks to a rippled server over its HTTP JSON-RPC interface and
// implements ledger.API. All responses are decoded into typed structs and
// validated before crossing the boundary; unexpected shapes fail the lookup
// rather than leak dynamic data upward.
type Client struct {
	endpoint string
	client   *http.Client
}

var _ ledger.API = (*Client)(nil)

// New returns a Client for the given JSON-RPC endpoint. A non-positive
// timeout falls back to a sane default.
func New(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type txParams struct {
	Transaction string `json:"transaction"`
	Binary      bool   `json:"binary"`
}

type txResult struct {
	Account         string          `json:"Account"`
	Amount          json.RawMessage `json:"Amount"`
	Destination     string          `json:"Destination"`
	TransactionType string          `json:"TransactionType"`
	Hash            string          `json:"hash"`
	Validated       bool            `json:"validated"`
	Status          string          `json:"status"`
	Error           string          `json:"error"`
}

// Tx implements ledger.API.
func (c *Client) Tx(ctx context.Context, hash string) (ledger.Receipt, error) {
	var res txResult
	if err := c.call(ctx, "tx", txParams{Transaction: hash}, &res); err != nil {
		return ledger.Receipt{}, fmt.Errorf("calling tx: %v", err)
	}
	if res.Error == "txnNotFound" {
		return ledger.Receipt{}, ledger.ErrTxNotFound
	}
	if res.Error != "" {
		return ledger.Receipt{}, fmt.Errorf("tx lookup failed: %s", res.Error)
	}

	amount, ok := parseDrops(res.Amount)
	receipt := ledger.Receipt{
		Hash:        res.Hash,
		Payer:       res.Account,
		Amount:      amount,
		Destination: res.Destination,
		// A receipt only counts as a finalized transfer when it is a
		// validated Payment denominated in drops. Issued-currency amounts
		// (JSON objects) are not transfers of the native unit.
		Finalized: res.Validated && res.TransactionType == "Payment" && ok,
	}
	log.Debugf("tx %s: finalized=%v amount=%d", hash, receipt.Finalized, receipt.Amount)
	return receipt, nil
}

type accountTxParams struct {
	Account        string `json:"account"`
	Limit          int    `json:"limit"`
	LedgerIndexMin int    `json:"ledger_index_min"`
	LedgerIndexMax int    `json:"ledger_index_max"`
}

type accountTxResult struct {
	Transactions []struct {
		Tx struct {
			Hash          string `json:"hash"`
			SigningPubKey string `json:"SigningPubKey"`
		} `json:"tx"`
	} `json:"transactions"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// AccountTx implements ledger.API.
func (c *Client) AccountTx(ctx context.Context, account string, limit int) ([]ledger.SignedTxInfo, error) {
	var res accountTxResult
	params := accountTxParams{Account: account, Limit: limit, LedgerIndexMin: -1, LedgerIndexMax: -1}
	if err := c.call(ctx, "account_tx", params, &res); err != nil {
		return nil, fmt.Errorf("calling account_tx: %v", err)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("account_tx lookup failed: %s", res.Error)
	}
	infos := make([]ledger.SignedTxInfo, 0, len(res.Transactions))
	for _, t := range res.Transactions {
		infos = append(infos, ledger.SignedTxInfo{
			Hash:          t.Tx.Hash,
			SigningPubKey: t.Tx.SigningPubKey,
		})
	}
	return infos, nil
}

type accountInfoParams struct {
	Account     string `json:"account"`
	LedgerIndex string `json:"ledger_index"`
}

type accountInfoResult struct {
	AccountData struct {
		Account  string `json:"Account"`
		Balance  string `json:"Balance"`
		Sequence uint64 `json:"Sequence"`
	} `json:"account_data"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// AccountInfo implements ledger.API.
func (c *Client) AccountInfo(ctx context.Context, account string) (ledger.AccountInfo, error) {
	var res accountInfoResult
	params := accountInfoParams{Account: account, LedgerIndex: "current"}
	if err := c.call(ctx, "account_info", params, &res); err != nil {
		return ledger.AccountInfo{}, fmt.Errorf("calling account_info: %v", err)
	}
	if res.Error != "" {
		return ledger.AccountInfo{}, fmt.Errorf("account_info lookup failed: %s", res.Error)
	}
	balance, err := strconv.ParseInt(res.AccountData.Balance, 10, 64)
	if err != nil {
		return ledger.AccountInfo{}, fmt.Errorf("parsing balance: %v", err)
	}
	return ledger.AccountInfo{
		Address:  res.AccountData.Account,
		Balance:  balance,
		Sequence: res.AccountData.Sequence,
	}, nil
}

func (c *Client) call(ctx context.Context, method string, params, out interface{}) error {
	body, err := json.Marshal(rpcRequest{Method: method, Params: []interface{}{params}})
	if err != nil {
		return fmt.Errorf("marshaling request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting request: %v", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Errorf("closing response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding response: %v", err)
	}
	if len(envelope.Result) == 0 {
		return fmt.Errorf("response has no result")
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("decoding result: %v", err)
	}
	return nil
}

// parseDrops decodes a transaction amount that must be a string of integer
// drops. Issued-currency amounts arrive as JSON objects and are rejected.
func parseDrops(raw json.RawMessage) (int64, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	drops, err := strconv.ParseInt(s, 10, 64)
	if err != nil || drops < 0 {
		return 0, false
	}
	return drops, true
}
