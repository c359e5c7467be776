// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Common validation errors.
var (
	ErrInvalidTopicName   = errors.New("invalid topic name: contains wildcards or illegal characters")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
)

// ValidateTopicName checks if the topic name is valid for PUBLISH (no wildcards).
func ValidateTopicName(topic string) error {
	if topic == "" || strings.ContainsAny(topic, "+#\u0000") || !utf8.ValidString(topic) {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateFilter checks wildcard placement in a (non-shared) topic filter.
func ValidateFilter(filter string) error {
	if filter == "" || !utf8.ValidString(filter) || strings.Contains(filter, "\u0000") {
		return ErrInvalidTopicFilter
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return ErrInvalidTopicFilter
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return ErrInvalidTopicFilter
		}
	}
	return nil
}
