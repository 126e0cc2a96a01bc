package api

// Amounts are accepted as JSON numbers or decimal strings so that callers can
// avoid binary floating point on the wire.

const createAccountSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["currency"],
  "properties": {
    "currency": {"type": "string", "enum": ["USD", "EUR", "GBP", "UAH", "JPY", "CAD"]}
  }
}`

const movementSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["account_iban", "amount"],
  "properties": {
    "account_iban": {"type": "string", "minLength": 5, "maxLength": 34},
    "amount": {
      "anyOf": [
        {"type": "number", "exclusiveMinimum": 0},
        {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"}
      ]
    }
  }
}`

const transferSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["source_account_number", "destination_account_number", "amount", "destination_currency"],
  "properties": {
    "source_account_number": {"type": "string", "minLength": 5, "maxLength": 34},
    "destination_account_number": {"type": "string", "minLength": 5, "maxLength": 34},
    "amount": {
      "anyOf": [
        {"type": "number", "exclusiveMinimum": 0},
        {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"}
      ]
    },
    "destination_currency": {"type": "string", "enum": ["USD", "EUR", "GBP", "UAH", "JPY", "CAD"]},
    "description": {"type": "string", "maxLength": 255}
  }
}`
