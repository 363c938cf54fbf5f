package data

import "embed"

var (
	//go:embed policy.yaml
	Policy embed.FS
)
