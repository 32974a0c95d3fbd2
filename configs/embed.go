package configs

import _ "embed"

// Example is the annotated config written by "storybible config init".
//
//go:embed storybible.example.yaml
var Example []byte
