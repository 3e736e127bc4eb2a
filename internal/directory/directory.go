// Package directory is a thin HTTP+JSON adapter for the external validator
// directory: the full validator set and the per-chain maintainer subset.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/klingon-exchange/btc-federation/internal/config"
	"github.com/klingon-exchange/btc-federation/pkg/logging"
)

// ErrDirectoryUnavailable covers any failure reaching or parsing the
// directory's response.
var ErrDirectoryUnavailable = errors.New("directory unavailable")

type validatorsResponse struct {
	Data []map[string]json.RawMessage `json:"data"`
}

type maintainersResponse struct {
	Maintainers []string `json:"maintainers"`
	TimeSpentMs int      `json:"time_spent"`
}

// Client fetches the validator set and chain-maintainer set over HTTP.
type Client struct {
	cfg        config.DirectoryConfig
	httpClient *http.Client
	log        *logging.Logger
}

// New constructs a directory Client for cfg.
func New(cfg config.DirectoryConfig) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: logging.GetDefault().Component("directory"),
	}
}

// RawValidator is one validator entry as reported by the directory: its
// operator address and its raw weight under cfg.VotingPowerField.
type RawValidator struct {
	OperatorAddress string
	Weight          uint64
}

// FetchValidators fetches the full validator list and extracts each one's
// operator address and weight from the configured voting-power field.
func (c *Client) FetchValidators(ctx context.Context) ([]RawValidator, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/validator/getValidators", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrDirectoryUnavailable, err)
	}

	var parsed validatorsResponse
	if err := c.getJSON(req, &parsed); err != nil {
		return nil, err
	}

	out := make([]RawValidator, 0, len(parsed.Data))
	for i, entry := range parsed.Data {
		addrRaw, ok := entry["operator_address"]
		if !ok {
			return nil, fmt.Errorf("%w: validator %d missing operator_address", ErrDirectoryUnavailable, i)
		}
		var addr string
		if err := json.Unmarshal(addrRaw, &addr); err != nil {
			return nil, fmt.Errorf("%w: validator %d operator_address: %v", ErrDirectoryUnavailable, i, err)
		}

		weightRaw, ok := entry[c.cfg.VotingPowerField]
		if !ok {
			return nil, fmt.Errorf("%w: validator %d missing %s", ErrDirectoryUnavailable, i, c.cfg.VotingPowerField)
		}
		var weight uint64
		if err := json.Unmarshal(weightRaw, &weight); err != nil {
			return nil, fmt.Errorf("%w: validator %d %s: %v", ErrDirectoryUnavailable, i, c.cfg.VotingPowerField, err)
		}

		out = append(out, RawValidator{OperatorAddress: addr, Weight: weight})
	}

	return out, nil
}

// FetchChainMaintainers fetches the maintainer set for cfg.ChainName.
func (c *Client) FetchChainMaintainers(ctx context.Context) ([]string, error) {
	body, err := json.Marshal(map[string]string{"chain": c.cfg.ChainName})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %v", ErrDirectoryUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/validator/getChainMaintainers", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrDirectoryUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	var parsed maintainersResponse
	if err := c.getJSON(req, &parsed); err != nil {
		return nil, err
	}

	return parsed.Maintainers, nil
}

func (c *Client) getJSON(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: unexpected status %d: %s", ErrDirectoryUnavailable, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrDirectoryUnavailable, err)
	}
	return nil
}

// FilterMaintainers fetches both the validator list and the chain
// maintainers, then returns only the validators whose operator address
// appears in the maintainer set. Membership is checked via a sort +
// binary-search pass, per spec.md §6: "pre-sort + binary search is the
// expected membership check."
func (c *Client) FilterMaintainers(ctx context.Context) ([]RawValidator, error) {
	validators, err := c.FetchValidators(ctx)
	if err != nil {
		return nil, err
	}
	maintainers, err := c.FetchChainMaintainers(ctx)
	if err != nil {
		return nil, err
	}

	sorted := make([]string, len(maintainers))
	copy(sorted, maintainers)
	sort.Strings(sorted)

	var filtered []RawValidator
	for _, v := range validators {
		idx := sort.SearchStrings(sorted, v.OperatorAddress)
		if idx < len(sorted) && sorted[idx] == v.OperatorAddress {
			filtered = append(filtered, v)
		} else {
			c.log.Debugf("validator %s is not a chain maintainer, excluding from committee", v.OperatorAddress)
		}
	}

	return filtered, nil
}
