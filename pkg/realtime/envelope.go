package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	schemasassets "github.com/3leaps/studyflow/internal/assets/schemas"
	"github.com/3leaps/studyflow/pkg/apiclient"
	"github.com/3leaps/studyflow/pkg/joberr"
)

// Envelope types sent by the server.
const (
	TypeJobUpdate   = "job.update"
	TypeJobNotFound = "job.not_found"
)

// Envelope is one inbound push message.
type Envelope struct {
	Type  string                 `json:"type"`
	JobID apiclient.FlexID       `json:"job_id,omitempty"`
	Job   *apiclient.JobDocument `json:"job,omitempty"`
}

var (
	envelopeSchemaOnce sync.Once
	envelopeSchema     *jsonschema.Schema
	envelopeSchemaErr  error
)

func compiledEnvelopeSchema() (*jsonschema.Schema, error) {
	envelopeSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("job-update.schema.json", bytes.NewReader(schemasassets.JobUpdateSchema)); err != nil {
			envelopeSchemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		envelopeSchema, envelopeSchemaErr = compiler.Compile("job-update.schema.json")
		if envelopeSchemaErr != nil {
			envelopeSchemaErr = fmt.Errorf("compile schema: %w", envelopeSchemaErr)
		}
	})
	return envelopeSchema, envelopeSchemaErr
}

// DecodeEnvelope validates data against the envelope schema and decodes it.
// Any failure is a ParseError.
func DecodeEnvelope(jobID string, data []byte) (*Envelope, error) {
	const op = "DecodeEnvelope"

	schema, err := compiledEnvelopeSchema()
	if err != nil {
		return nil, joberr.Wrap(op, jobID, joberr.ErrParse, err)
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, joberr.Wrap(op, jobID, joberr.ErrParse, err)
	}
	if err := schema.Validate(raw); err != nil {
		return nil, joberr.Wrap(op, jobID, joberr.ErrParse, fmt.Errorf("envelope does not match schema: %w", err))
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, joberr.Wrap(op, jobID, joberr.ErrParse, err)
	}
	return &env, nil
}
