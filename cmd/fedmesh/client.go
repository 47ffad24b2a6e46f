// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// hubClient is a thin JSON client for the hub's federation API.
type hubClient struct {
	base string
	http *http.Client
}

func newHubClient() *hubClient {
	base := hubAddr
	if base == "" {
		base = os.Getenv("FEDMESH_HUB")
	}
	if base == "" {
		base = "http://localhost:8080"
	}
	return &hubClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

// apiError is the hub's error envelope.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (c *hubClient) getJSON(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return fmt.Errorf("hub unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *hubClient) postJSON(path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := c.http.Post(c.base+path, "application/json", &buf)
	if err != nil {
		return fmt.Errorf("hub unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

// getRaw downloads a binary endpoint, returning the body and headers.
func (c *hubClient) getRaw(path string) ([]byte, http.Header, error) {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return nil, nil, fmt.Errorf("hub unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, httpError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return data, resp.Header, nil
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return httpError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func httpError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var ae apiError
	if json.Unmarshal(data, &ae) == nil && ae.Error != "" {
		return fmt.Errorf("%s (%s)", ae.Error, ae.Code)
	}
	return fmt.Errorf("hub returned %s", resp.Status)
}

// outputJSON pretty-prints a value to stdout.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
