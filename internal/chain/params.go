package chain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
)

// ContractParam is a typed argument for a contract invocation.
type ContractParam struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// NewStringParam builds a String parameter.
func NewStringParam(value string) ContractParam {
	return ContractParam{Type: "String", Value: value}
}

// NewIntegerParam builds an Integer parameter.
func NewIntegerParam(value *big.Int) ContractParam {
	return ContractParam{Type: "Integer", Value: value.String()}
}

// NewByteArrayParam builds a ByteArray parameter (base64 per Neo N3 RPC).
func NewByteArrayParam(value []byte) ContractParam {
	return ContractParam{Type: "ByteArray", Value: base64.StdEncoding.EncodeToString(value)}
}

// NewHash160Param builds a Hash160 parameter from a 0x-prefixed script hash.
func NewHash160Param(value string) ContractParam {
	return ContractParam{Type: "Hash160", Value: value}
}

// ParseInteger extracts a big integer from a stack item.
func ParseInteger(item StackItem) (*big.Int, error) {
	if item.Type != "Integer" {
		return nil, fmt.Errorf("expected Integer, got %s", item.Type)
	}
	var raw string
	if err := json.Unmarshal(item.Value, &raw); err != nil {
		return nil, fmt.Errorf("decode integer value: %w", err)
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("malformed integer %q", raw)
	}
	return value, nil
}

// ParseByteArray extracts bytes from a stack item.
func ParseByteArray(item StackItem) ([]byte, error) {
	if item.Type != "ByteString" && item.Type != "ByteArray" {
		return nil, fmt.Errorf("expected ByteString, got %s", item.Type)
	}
	var raw string
	if err := json.Unmarshal(item.Value, &raw); err != nil {
		return nil, fmt.Errorf("decode byte value: %w", err)
	}
	return base64.StdEncoding.DecodeString(raw)
}

// ParseBoolean extracts a boolean from a stack item.
func ParseBoolean(item StackItem) (bool, error) {
	if item.Type != "Boolean" {
		return false, fmt.Errorf("expected Boolean, got %s", item.Type)
	}
	var value bool
	if err := json.Unmarshal(item.Value, &value); err != nil {
		return false, fmt.Errorf("decode boolean value: %w", err)
	}
	return value, nil
}
