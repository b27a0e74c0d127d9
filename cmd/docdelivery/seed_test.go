package main

import "testing"

func TestParseFixturesAcceptsList(t *testing.T) {
	content := []byte(`
- reference: PAY-1
  holder_name: Ada Lovelace
  email: ada@example.com
  phone: "+447700900123"
  amount: 2500
  currency: GBP
  qr_payload: PAY-1
- reference: PAY-2
  kind: receipt
  holder_name: Grace Hopper
  email: grace@example.com
  phone: "+15550001111"
  amount: 900
  currency: USD
  qr_payload: PAY-2
  items:
    - description: Parking
      quantity: 1
      unit_amount: 900
`)
	txns, err := parseFixtures(content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txns))
	}
	if txns[1].Kind != "receipt" || len(txns[1].Items) != 1 || txns[1].Items[0].UnitAmount != 900 {
		t.Fatalf("unexpected second fixture %+v", txns[1])
	}
}

func TestParseFixturesAcceptsJSONDocument(t *testing.T) {
	content := []byte(`{"transactions": [{"reference": "PAY-9", "holder_name": "Alan", "amount": 100, "email": "a@example.com", "phone": "+15550001111", "qr_payload": "x"}]}`)
	txns, err := parseFixtures(content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(txns) != 1 || txns[0].Reference != "PAY-9" || txns[0].Amount != 100 {
		t.Fatalf("unexpected fixtures %+v", txns)
	}
}

func TestParseFixturesRejectsEmpty(t *testing.T) {
	for name, content := range map[string]string{
		"blank":      "  \n",
		"empty list": "[]",
		"no key":     "other: 1",
		"garbage":    "{not yaml",
	} {
		if _, err := parseFixtures([]byte(content)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
