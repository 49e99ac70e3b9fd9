// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so validation works regardless of the
// working directory or installation location.
package schemasassets

import _ "embed"

// SubmissionSchema is the embedded submission-manifest JSON schema.
//
//go:embed submission.schema.json
var SubmissionSchema []byte

// JobUpdateSchema is the embedded schema for push channel envelopes.
//
//go:embed job-update.schema.json
var JobUpdateSchema []byte
