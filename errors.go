/*
Copyright © 2025 Marshall-mk
*/

package main

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// Puzzle error taxonomy. All of these are recoverable at the request
// boundary; none should take the process down.
var (
	errImageNotFound    = errors.New("image not found")
	errInvalidGridSize  = errors.New("grid size out of range")
	errInvalidTileIndex = errors.New("tile index out of range")
	errNoActivePuzzle   = errors.New("no active puzzle, shuffle first")
	errSessionExpired   = errors.New("session expired or invalid")
	errLevelNotFound    = errors.New("level not found")
)

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body,a{display:block;height:100%;width:100%;text-decoration:none;color:inherit;cursor:auto;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body><a href=\"/\">%s</a></body></html>", body))

	return htmlBody.String()
}
