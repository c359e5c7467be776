// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

const sharePrefix = "$share/"

// ParseShared parses a shared subscription filter.
// Format: $share/{ShareName}/{TopicFilter}
// Returns: shareName, topicFilter, isShared
//
// Examples:
//   - "$share/group1/sensors/#" -> ("group1", "sensors/#", true)
//   - "sensors/#" -> ("", "sensors/#", false)
func ParseShared(filter string) (shareName, topicFilter string, isShared bool) {
	rest, ok := strings.CutPrefix(filter, sharePrefix)
	if !ok {
		return "", filter, false
	}

	name, topic, ok := strings.Cut(rest, "/")
	if !ok || name == "" || topic == "" {
		return "", filter, false
	}
	return name, topic, true
}

// SharedFilter builds the $share form of a topic filter.
func SharedFilter(shareName, topicFilter string) string {
	return sharePrefix + shareName + "/" + topicFilter
}
