package pipeline

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	backlogdomain "github.com/slyretail/fiscalbridge/internal/backlog/domain"
	"github.com/slyretail/fiscalbridge/internal/normalize"
)

var errEmptyEnvelope = errors.New("envelope_has_no_receipts")

// Envelope is one accepted webhook delivery. Immutable once accepted;
// identity for dedup purposes is the first receipt's business number.
type Envelope struct {
	TenantID   snowflake.ID           `json:"tenant_id"`
	TenantCode string                 `json:"tenant_code"`
	Receipts   []normalize.RawReceipt `json:"receipts"`
	ReceivedAt time.Time              `json:"received_at"`
}

// ReceiptNumber returns the dedup business key.
func (e *Envelope) ReceiptNumber() string {
	if len(e.Receipts) == 0 {
		return ""
	}
	return strings.TrimSpace(e.Receipts[0].ReceiptNumber)
}

func (e *Envelope) encode() ([]byte, error) {
	return json.Marshal(e)
}

func envelopeFromBacklog(row *backlogdomain.WebhookEvent) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(row.Payload, &env); err != nil {
		return nil, err
	}
	if env.TenantID == 0 {
		env.TenantID = row.TenantID
	}
	if len(env.Receipts) == 0 {
		return nil, errEmptyEnvelope
	}
	return &env, nil
}
