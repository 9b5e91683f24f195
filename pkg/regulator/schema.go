package regulator

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// transactionSchema pins the structural contract of the reqTrans document.
// Validating locally before the POST turns a regulator-side INVALID_HEADER
// round trip into an immediate, attributable failure during certification.
const transactionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["reqTrans"],
  "properties": {
    "reqTrans": {
      "type": "object",
      "required": ["noTrans", "datTrans", "mont", "sectActi", "signa"],
      "properties": {
        "noTrans": {"type": "string", "minLength": 1},
        "datTrans": {"type": "string", "minLength": 1},
        "mont": {
          "type": "object",
          "required": ["apresTax"],
          "properties": {
            "avantTax": {"type": "string"},
            "TPS": {"type": "string"},
            "TVQ": {"type": "string"},
            "pourb": {"type": "string"},
            "apresTax": {"type": "string"}
          }
        },
        "sectActi": {"type": "object"},
        "signa": {
          "type": "object",
          "required": ["preced", "actu", "empreinte", "emprCertifSEV", "datActu"],
          "properties": {
            "preced": {"type": "string", "minLength": 88, "maxLength": 88},
            "actu": {"type": "string", "minLength": 88, "maxLength": 88},
            "empreinte": {"type": "string", "minLength": 64, "maxLength": 64},
            "emprCertifSEV": {"type": "string", "minLength": 64, "maxLength": 64},
            "datActu": {"type": "string"}
          }
        }
      }
    }
  }
}`

var compiledTransactionSchema = jsonschema.MustCompileString("reqTrans.schema.json", transactionSchema)

// ValidateTransactionBody checks canonical body bytes against the pinned
// request schema. The error message names the failing JSON pointer.
func ValidateTransactionBody(body []byte) error {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("regulator: body is not JSON: %w", err)
	}
	if err := compiledTransactionSchema.Validate(doc); err != nil {
		return fmt.Errorf("regulator: body fails schema: %w", err)
	}
	return nil
}
