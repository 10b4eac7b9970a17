package main

import (
	"fmt"

	"github.com/loykin/aiengine/pkg/client"
)

const defaultAPIUrl = client.DefaultBaseURL

// newClientFromFlags builds a client, trusting f.CAFile for https URLs.
func newClientFromFlags(f APIFlags) (*client.Client, error) {
	c, err := client.New(client.Config{
		BaseURL: f.APIUrl,
		Timeout: f.APITimeout,
		CAFile:  f.CAFile,
	})
	if err != nil {
		return nil, fmt.Errorf("load --ca-file: %w", err)
	}
	return c, nil
}
