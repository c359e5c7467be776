// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

// Match checks if the topic matches the given filter according to MQTT wildcard rules.
// Wildcards in the first level never match a topic starting with '$'.
func Match(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if filter == topic {
		return true
	}

	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")

	if strings.HasPrefix(topic, "$") && (filterLevels[0] == "+" || filterLevels[0] == "#") {
		return false
	}

	for i, fLevel := range filterLevels {
		if fLevel == "#" {
			// # matches parent and all children
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if fLevel != "+" && fLevel != topicLevels[i] {
			return false
		}
	}

	return len(filterLevels) == len(topicLevels)
}
