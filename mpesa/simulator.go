package mpesa

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// Simulator is the network-free API implementation used when sandbox
// credentials are unavailable. Every operation answers deterministic success
// so the poller and the callback handler exercise the same code paths as in
// production.
type Simulator struct {
	seq atomic.Uint64
}

func NewSimulator() *Simulator {
	return &Simulator{}
}

func (s *Simulator) AccessToken(ctx context.Context) (string, error) {
	return "simulated-access-token", nil
}

func (s *Simulator) InitiateSTKPush(ctx context.Context, phone string, amountCents int64, accountRef, description string) (*STKPushResponse, error) {
	n := s.seq.Add(1)
	checkoutID := fmt.Sprintf("ws_CO_SIM%s%04d", time.Now().UTC().Format("20060102150405"), n)
	merchantID := fmt.Sprintf("SIM-%d-%d", time.Now().Unix(), n)

	raw, _ := json.Marshal(map[string]string{
		"CheckoutRequestID":   checkoutID,
		"MerchantRequestID":   merchantID,
		"ResponseCode":        "0",
		"ResponseDescription": "Simulation - request accepted for processing",
	})

	return &STKPushResponse{
		CheckoutRequestID:   checkoutID,
		MerchantRequestID:   merchantID,
		ResponseCode:        "0",
		ResponseDescription: "Simulation - request accepted for processing",
		Raw:                 raw,
	}, nil
}

func (s *Simulator) QueryStatus(ctx context.Context, checkoutID string) (*StatusResponse, error) {
	receipt := SimulatedReceipt()
	raw, _ := json.Marshal(map[string]interface{}{
		"ResultCode":         0,
		"ResultDesc":         "Simulation - processed successfully",
		"MpesaReceiptNumber": receipt,
	})
	return &StatusResponse{
		ResultCode: 0,
		ResultDesc: "Simulation - processed successfully",
		Receipt:    &receipt,
		Raw:        raw,
	}, nil
}

// SimulatedReceipt fabricates a receipt number with the SIMREC prefix so
// simulated payments are recognizable in the ledger.
func SimulatedReceipt() string {
	return "SIMREC" + time.Now().UTC().Format("20060102150405")
}

// SimulatedCallbackPayload fabricates the audit payload a real callback would
// have carried, for records settled in simulation mode.
func SimulatedCallbackPayload(checkoutID, receipt string) string {
	payload := map[string]interface{}{
		"Body": map[string]interface{}{
			"stkCallback": map[string]interface{}{
				"CheckoutRequestID": checkoutID,
				"ResultCode":        0,
				"ResultDesc":        "Simulation - processed successfully",
				"CallbackMetadata": map[string]interface{}{
					"Item": []map[string]interface{}{
						{"Name": "MpesaReceiptNumber", "Value": receipt},
					},
				},
			},
		},
	}
	raw, _ := json.Marshal(payload)
	return string(raw)
}
