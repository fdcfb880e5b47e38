package blockchain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Op is a contract method invoked by a farmer
type Op string

const (
	OpPlant   Op = "plant"
	OpWork    Op = "work"
	OpHarvest Op = "harvest"
	OpTractor Op = "tractor"
)

// TxStatus is the lifecycle status of a submitted transaction
type TxStatus string

const (
	StatusSuccess       TxStatus = "SUCCESS"
	StatusPending       TxStatus = "PENDING"
	StatusNotFound      TxStatus = "NOT_FOUND"
	StatusFailed        TxStatus = "FAILED"
	StatusError         TxStatus = "ERROR"
	StatusDuplicate     TxStatus = "DUPLICATE"
	StatusTryAgainLater TxStatus = "TRY_AGAIN_LATER"
)

// Final reports whether no further polling can change the status
func (s TxStatus) Final() bool {
	return s != StatusPending && s != StatusNotFound
}

// Invocation is a single contract call. Only the fields relevant to Op are set.
type Invocation struct {
	Op       Op       `json:"op"`
	Farmer   string   `json:"farmer"`
	Amount   int64    `json:"amount,omitempty"`
	Hash     string   `json:"hash,omitempty"`
	Nonce    uint64   `json:"nonce,omitempty"`
	Block    uint32   `json:"block,omitempty"`
	Blocks   []uint32 `json:"blocks,omitempty"`
	Contract string   `json:"contract,omitempty"`
}

// Validate checks that the fields required by Op are present
func (inv Invocation) Validate() error {
	if inv.Farmer == "" {
		return fmt.Errorf("%s: farmer is required", inv.Op)
	}
	switch inv.Op {
	case OpPlant:
		if inv.Amount < 0 {
			return fmt.Errorf("plant: negative amount %d", inv.Amount)
		}
	case OpWork:
		if inv.Hash == "" {
			return fmt.Errorf("work: hash is required")
		}
	case OpHarvest:
		if inv.Block == 0 {
			return fmt.Errorf("harvest: block is required")
		}
	case OpTractor:
		if len(inv.Blocks) == 0 {
			return fmt.Errorf("tractor: blocks are required")
		}
		if inv.Contract == "" {
			return fmt.Errorf("tractor: contract is required")
		}
	default:
		return fmt.Errorf("unknown op %q", inv.Op)
	}
	return nil
}

// Response is the final outcome of a submitted transaction
type Response struct {
	Status      TxStatus        `json:"status"`
	TxHash      string          `json:"hash"`
	FeeCharged  int64           `json:"feeCharged"`
	ReturnValue json.RawMessage `json:"returnValue,omitempty"`
	ResultError string          `json:"resultError,omitempty"`
}

// Int decodes a scalar return value. Large contract integers may arrive as
// JSON strings. An empty return value decodes to zero.
func (r *Response) Int() (int64, error) {
	if r == nil || len(r.ReturnValue) == 0 || string(r.ReturnValue) == "null" {
		return 0, nil
	}
	return decodeInt(r.ReturnValue)
}

// Ints decodes a vector return value such as the tractor rewards
func (r *Response) Ints() ([]int64, error) {
	if r == nil || len(r.ReturnValue) == 0 || string(r.ReturnValue) == "null" {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(r.ReturnValue, &raw); err != nil {
		return nil, fmt.Errorf("decode return vector: %w", err)
	}
	values := make([]int64, 0, len(raw))
	for _, item := range raw {
		v, err := decodeInt(item)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func decodeInt(raw json.RawMessage) (int64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("decode return value %s: %w", raw, err)
		}
		n = json.Number(s)
	}
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode return value %s: %w", raw, err)
	}
	return v, nil
}
