package core

import (
	"testing"
	"time"
)

func opData(id, jsonPayload string, auths []any) map[string]any {
	return map[string]any{
		"id":                     id,
		"json":                   jsonPayload,
		"required_posting_auths": auths,
	}
}

func TestParseRecognizesKnownContract(t *testing.T) {
	p := NewUpstreamParser("sidechain", nil)
	block := UpstreamBlock{
		Number:    42,
		Timestamp: time.Unix(1000, 0).UTC(),
		Transactions: []UpstreamTx{
			{
				TransactionID: "tx1",
				Operations: []UpstreamOp{
					{Type: "vote", Data: map[string]any{}},
					{Type: "custom_json", Data: opData("sidechain", `{"contract":"token_transfer","payload":{"to":"bob","amount":"5"}}`, []any{"alice"})},
				},
			},
		},
	}
	txs, ts, err := p.Parse(block)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ts != 1000000 {
		t.Fatalf("expected ts 1000000ms, got %d", ts)
	}
	if len(txs) != 1 {
		t.Fatalf("expected 1 tx, got %d", len(txs))
	}
	tx := txs[0]
	if tx.Type != TxTokenTransfer {
		t.Fatalf("expected TxTokenTransfer, got %v", tx.Type)
	}
	if tx.Sender != "alice" {
		t.Fatalf("expected sender alice, got %q", tx.Sender)
	}
	if tx.Ref != "42:1" {
		t.Fatalf("expected ref 42:1 (op_index counts all ops), got %q", tx.Ref)
	}
	if tx.Hash != "tx1" {
		t.Fatalf("expected hash tx1, got %q", tx.Hash)
	}
}

func TestParseSkipsWrongTag(t *testing.T) {
	p := NewUpstreamParser("sidechain", nil)
	block := UpstreamBlock{
		Number: 1,
		Transactions: []UpstreamTx{
			{TransactionID: "tx1", Operations: []UpstreamOp{
				{Type: "custom_json", Data: opData("other_app", `{"contract":"token_transfer","payload":{}}`, []any{"alice"})},
			}},
		},
	}
	txs, _, err := p.Parse(block)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(txs) != 0 {
		t.Fatalf("expected 0 txs for mismatched tag, got %d", len(txs))
	}
}

func TestParseDropsUnknownContract(t *testing.T) {
	p := NewUpstreamParser("sidechain", nil)
	block := UpstreamBlock{
		Number: 1,
		Transactions: []UpstreamTx{
			{TransactionID: "tx1", Operations: []UpstreamOp{
				{Type: "custom_json", Data: opData("sidechain", `{"contract":"not_a_real_contract","payload":{}}`, []any{"alice"})},
			}},
		},
	}
	txs, _, err := p.Parse(block)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(txs) != 0 {
		t.Fatalf("expected unknown contract to be dropped, got %d txs", len(txs))
	}
}

func TestParseAcceptsIntegerFormContract(t *testing.T) {
	p := NewUpstreamParser("sidechain", nil)
	intForm := "2" // TxTokenMint
	block := UpstreamBlock{
		Number: 1,
		Transactions: []UpstreamTx{
			{TransactionID: "tx1", Operations: []UpstreamOp{
				{Type: "custom_json", Data: opData("sidechain", `{"contract":"`+intForm+`","payload":{}}`, []any{"alice"})},
			}},
		},
	}
	txs, _, err := p.Parse(block)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(txs) != 1 || txs[0].Type != TxTokenMint {
		t.Fatalf("expected integer-form contract to resolve to TxTokenMint, got %+v", txs)
	}
}

func TestParseSkipsMissingAuthorities(t *testing.T) {
	p := NewUpstreamParser("sidechain", nil)
	block := UpstreamBlock{
		Number: 1,
		Transactions: []UpstreamTx{
			{TransactionID: "tx1", Operations: []UpstreamOp{
				{Type: "custom_json", Data: opData("sidechain", `{"contract":"token_transfer","payload":{}}`, []any{})},
			}},
		},
	}
	txs, _, err := p.Parse(block)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(txs) != 0 {
		t.Fatalf("expected operation with no authorities to be skipped")
	}
}

func TestRefCountsAllOperationsNotJustCustomJSON(t *testing.T) {
	p := NewUpstreamParser("sidechain", nil)
	block := UpstreamBlock{
		Number: 7,
		Transactions: []UpstreamTx{
			{TransactionID: "tx1", Operations: []UpstreamOp{
				{Type: "vote", Data: map[string]any{}},
				{Type: "vote", Data: map[string]any{}},
				{Type: "custom_json", Data: opData("sidechain", `{"contract":"stake","payload":{}}`, []any{"alice"})},
			}},
		},
	}
	txs, _, err := p.Parse(block)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(txs) != 1 || txs[0].Ref != "7:2" {
		t.Fatalf("expected ref 7:2, got %+v", txs)
	}
}
