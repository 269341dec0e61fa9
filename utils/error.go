package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

var ErrorNotJSONObject = errors.New("payload is not a JSON object")

var ErrorEmptySecret = errors.New("jwt secret is empty")
