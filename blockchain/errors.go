package blockchain

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrorCode is a contract-level error code
type ErrorCode int

const (
	AlreadyDiscovered ErrorCode = iota + 1
	HomesteadNotFound
	PailAmountTooLow
	AlreadyHasPail
	FarmIsPaused
	HashIsInvalid
	BlockNotFound
	HarvestNotReady
	KaleNotFound
	PailNotFound
	ZeroCountTooLow
	AssetAdminMismatch
	FarmIsNotPaused
)

var codeNames = map[ErrorCode]string{
	AlreadyDiscovered:  "AlreadyDiscovered",
	HomesteadNotFound:  "HomesteadNotFound",
	PailAmountTooLow:   "PailAmountTooLow",
	AlreadyHasPail:     "AlreadyHasPail",
	FarmIsPaused:       "FarmIsPaused",
	HashIsInvalid:      "HashIsInvalid",
	BlockNotFound:      "BlockNotFound",
	HarvestNotReady:    "HarvestNotReady",
	KaleNotFound:       "KaleNotFound",
	PailNotFound:       "PailNotFound",
	ZeroCountTooLow:    "ZeroCountTooLow",
	AssetAdminMismatch: "AssetAdminMismatch",
	FarmIsNotPaused:    "FarmIsNotPaused",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "ContractError#" + strconv.Itoa(int(c))
}

var (
	// ErrTransport marks network, RPC and relay failures
	ErrTransport = errors.New("transport failure")

	// ErrTxFailed marks a non-successful transaction without a contract code
	ErrTxFailed = errors.New("transaction failed")

	// ErrUnknownFarmer is returned when no signing key is held for a farmer
	ErrUnknownFarmer = errors.New("unknown farmer")
)

// ContractError is a rejection decoded from a contract result
type ContractError struct {
	Code   ErrorCode
	Op     Op
	TxHash string
}

func (e *ContractError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("%s rejected: %s (tx %s)", e.Op, e.Code, e.TxHash)
	}
	return fmt.Sprintf("%s rejected: %s", e.Op, e.Code)
}

var contractErrorPattern = regexp.MustCompile(`Error\(Contract, #(\d+)\)`)

// DecodeContractError extracts the contract code embedded in a diagnostic string
func DecodeContractError(s string) (ErrorCode, bool) {
	m := contractErrorPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return ErrorCode(n), true
}

// Kind classifies an error for the retry policy
type Kind int

const (
	KindOther Kind = iota
	KindContract
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindContract:
		return "contract"
	case KindTransport:
		return "transport"
	default:
		return "other"
	}
}

// KindOf classifies err
func KindOf(err error) Kind {
	var ce *ContractError
	switch {
	case err == nil:
		return KindOther
	case errors.As(err, &ce):
		return KindContract
	case errors.Is(err, ErrTransport):
		return KindTransport
	default:
		return KindOther
	}
}

// IsCode reports whether err is a contract rejection with the given code
func IsCode(err error, code ErrorCode) bool {
	var ce *ContractError
	return errors.As(err, &ce) && ce.Code == code
}

// Describe returns the contract code name for rejections and the error text otherwise
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var ce *ContractError
	if errors.As(err, &ce) {
		return ce.Code.String()
	}
	if code, ok := DecodeContractError(err.Error()); ok {
		return code.String()
	}
	return err.Error()
}

// resultError turns a non-successful response into a typed error
func resultError(op Op, resp *Response) error {
	if code, ok := DecodeContractError(resp.ResultError); ok {
		return &ContractError{Code: code, Op: op, TxHash: resp.TxHash}
	}
	return fmt.Errorf("%w: %s %s (tx %s)", ErrTxFailed, op, resp.Status, resp.TxHash)
}
