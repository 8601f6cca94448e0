package provider

import (
	"context"
	"errors"
	"net/http"

	"github.com/sells-group/propenrich/internal/resilience"
	"github.com/sells-group/propenrich/pkg/batchdata"
)

// batchDataConfidence is the provenance confidence assigned to skip-trace
// results. Higher than scraped contact data, below a verified import.
const batchDataConfidence = 0.9

// BatchData adapts the BatchData skip-trace client to the Provider
// interface.
type BatchData struct {
	client batchdata.Client
}

// NewBatchData wraps a skip-trace client.
func NewBatchData(client batchdata.Client) *BatchData {
	return &BatchData{client: client}
}

func (b *BatchData) Name() string { return "batchdata" }

// Lookup skip-traces the property and maps the first matched person to
// owner data.
func (b *BatchData) Lookup(ctx context.Context, q AddressQuery) (*OwnerData, error) {
	resp, err := b.client.SkipTrace(ctx, batchdata.SkipTraceRequest{
		PropertyAddress: batchdata.PropertyAddress{
			Street: q.Street,
			City:   q.City,
			State:  q.State,
			Zip:    q.Zip,
		},
	})
	if err != nil {
		return nil, classifyBatchData(err)
	}

	persons := resp.Results.Persons
	if len(persons) == 0 || !persons[0].Meta.Matched {
		return nil, ErrNoData
	}
	person := persons[0]

	// Owner name priority: the property owner block, then the matched
	// person's own name.
	name := person.Property.Owner.Name.Full()
	if name == "" {
		name = person.Name.Full()
	}

	var emails []string
	for _, e := range person.Emails {
		if e.Email != "" {
			emails = append(emails, e.Email)
		}
	}
	var phones []string
	for _, p := range person.PhoneNumbers {
		if p.Number != "" {
			phones = append(phones, p.Number)
		}
	}

	data := &OwnerData{
		OwnerName:      name,
		Emails:         emails,
		Phones:         phones,
		MailingAddress: person.Property.Owner.MailingAddress,
		Confidence:     batchDataConfidence,
		RequestID:      resp.Results.Meta.RequestID,
	}
	if data.OwnerName == "" && len(emails) == 0 && len(phones) == 0 {
		return nil, ErrNoData
	}
	return data, nil
}

// classifyBatchData maps client errors onto the provider taxonomy.
// Rate limits and 5xx responses are marked transient so the retry layer
// backs off and tries again; other statuses fail the attempt outright.
func classifyBatchData(err error) error {
	var se *batchdata.StatusError
	if !errors.As(err, &se) {
		return err
	}
	switch {
	case se.StatusCode == http.StatusTooManyRequests:
		return resilience.NewTransientError(&RateLimitError{Provider: "batchdata"}, se.StatusCode)
	case resilience.IsTransientHTTPStatus(se.StatusCode):
		return resilience.NewTransientError(
			&APIError{Provider: "batchdata", StatusCode: se.StatusCode, Message: se.Body},
			se.StatusCode,
		)
	case se.StatusCode == http.StatusNotFound:
		return ErrNoData
	default:
		return &APIError{Provider: "batchdata", StatusCode: se.StatusCode, Message: se.Body}
	}
}
