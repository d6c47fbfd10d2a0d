package queue

import (
	"fmt"

	"github.com/SirClappington/sentinel/internal/domain"
)

// Key layout:
//
//	job:{id}                    hash, one per job record
//	queue:{queue}:priority:{n}  list of ready job ids, LPUSH/RPOP
//	delay:{queue}               sorted set of delayed job ids scored by run-at (unix ms)

const jobKeyPrefix = "job:"

func jobKey(id string) string { return jobKeyPrefix + id }

func priorityKeyPrefix(queue string) string { return "queue:" + queue + ":priority:" }

func priorityKey(queue string, p domain.Priority) string {
	return fmt.Sprintf("%s%d", priorityKeyPrefix(queue), int(p))
}

// priorityKeys returns the ready lists for queue, highest priority first.
func priorityKeys(queue string) []string {
	keys := make([]string, 0, len(domain.Priorities))
	for _, p := range domain.Priorities {
		keys = append(keys, priorityKey(queue, p))
	}
	return keys
}

func delayKey(queue string) string { return "delay:" + queue }
