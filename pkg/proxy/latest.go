package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// LatestRace returns the race session of the last meeting held in year:
// the first session typed Race or Sprint, or named like a race. Both
// lookups go through Get and are cached like any other request.
func (s *Service) LatestRace(ctx context.Context, year int) (json.RawMessage, error) {
	meetings, err := s.Get(ctx, "meetings", strconv.Itoa(year))
	if err != nil {
		return nil, err
	}

	all := gjson.ParseBytes(meetings).Array()
	if len(all) == 0 {
		return nil, fmt.Errorf("%w: no meetings in %d", ErrNotFound, year)
	}
	meetingKey := all[len(all)-1].Get("meeting_key")
	if !meetingKey.Exists() {
		return nil, fmt.Errorf("%w: last meeting of %d has no meeting_key", ErrNotFound, year)
	}

	sessions, err := s.Get(ctx, "sessions", meetingKey.String())
	if err != nil {
		return nil, err
	}

	for _, session := range gjson.ParseBytes(sessions).Array() {
		if isRaceSession(session) {
			return json.RawMessage(session.Raw), nil
		}
	}
	return nil, fmt.Errorf("%w: no race session in meeting %s", ErrNotFound, meetingKey.String())
}

func isRaceSession(session gjson.Result) bool {
	switch session.Get("session_type").String() {
	case "Race", "Sprint":
		return true
	}
	return strings.Contains(session.Get("session_name").String(), "Race")
}
