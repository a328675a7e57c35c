// Copyright 2024 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package tether

import (
	"go.uber.org/zap"
)

// Status is the bot's displayed availability.
type Status string

const (
	StatusOnline    Status = "online"
	StatusIdle      Status = "idle"
	StatusDND       Status = "dnd"
	StatusInvisible Status = "invisible"
	StatusOffline   Status = "offline"
)

// ActivityType classifies an Activity.
type ActivityType int

const (
	ActivityGame ActivityType = iota
	ActivityStreaming
	ActivityListening
	ActivityWatching
	ActivityCustom
	ActivityCompeting
)

var activityTypeTexts = map[ActivityType]string{
	ActivityGame:      "playing",
	ActivityStreaming: "streaming",
	ActivityListening: "listening",
	ActivityWatching:  "watching",
	ActivityCustom:    "custom",
	ActivityCompeting: "competing",
}

func (t ActivityType) String() string {
	if text, known := activityTypeTexts[t]; known {
		return text
	}
	return "unknown"
}

// botActivityTypes are the activity types the platform renders for bots.
var botActivityTypes = map[ActivityType]struct{}{
	ActivityGame:      {},
	ActivityStreaming: {},
	ActivityListening: {},
	ActivityWatching:  {},
	ActivityCompeting: {},
}

// Activity is what the bot is shown to be doing.
type Activity struct {
	Name string       `json:"name"`
	Type ActivityType `json:"type"`
	URL  string       `json:"url,omitempty"`
}

// Presence is the bot's status plus zero or more activities.
type Presence struct {
	Since      int64      `json:"since"`
	Activities []Activity `json:"activities"`
	Status     Status     `json:"status"`
	AFK        bool       `json:"afk"`
}

// validateActivity warns about activity combinations the platform will not
// display for bots. Invalid combinations are forwarded anyway; the server
// silently drops them, so failing the call would be stricter than reality.
func validateActivity(log *zap.Logger, activity Activity) {
	if activity.Type == ActivityStreaming && activity.URL == "" {
		log.Warn("streaming activity cannot be displayed without a URL")
		return
	}
	if _, allowed := botActivityTypes[activity.Type]; !allowed {
		log.Warn("activity type may not be enabled for bots",
			zap.Stringer("type", activity.Type))
	}
}
