package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"postrobot/internal/admin"
	"postrobot/internal/schedule"
	"postrobot/internal/topics"
)

var errUsage = errors.New("usage")

const adminUsage = `  status   <shop>
  toggle   <shop> on|off
  mode     <shop> draft|live
  timezone <shop> <IANA zone>
  limit    <shop> off | on <maxPerDay>
  schedules <shop> '<json profiles>'
  exclude  <shop> [phrase...]
  post     <shop> [topic override]
  topics   <shop> add <title> [intent] | remove <i> | archive <i> [title]   (i is 0-based)
                  | release | clear-queue | clear-archive
  activity <shop> [limit]
  syslog   <shop>
  reset    <shop>
`

func usageErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

// runAdmin executes one operator command against svc and writes the result
// to out as indented JSON.
func runAdmin(ctx context.Context, svc *admin.Service, args []string, out io.Writer) error {
	if len(args) < 2 {
		return usageErr("command and shop required")
	}
	cmd, shop, rest := args[0], args[1], args[2:]

	var (
		res any
		err error
	)
	switch cmd {
	case "status":
		res, err = svc.Overview(ctx, shop)
	case "toggle":
		if len(rest) != 1 {
			return usageErr("toggle <shop> on|off")
		}
		on, perr := parseSwitch(rest[0])
		if perr != nil {
			return perr
		}
		err = svc.Toggle(ctx, shop, on)
	case "mode":
		if len(rest) != 1 {
			return usageErr("mode <shop> draft|live")
		}
		err = svc.SetMode(ctx, shop, rest[0])
	case "timezone":
		if len(rest) != 1 {
			return usageErr("timezone <shop> <zone>")
		}
		err = svc.SetTimezone(ctx, shop, rest[0])
	case "limit":
		err = runLimit(ctx, svc, shop, rest)
	case "schedules":
		if len(rest) != 1 {
			return usageErr("schedules <shop> '<json>'")
		}
		var profiles []schedule.Profile
		if jerr := json.Unmarshal([]byte(rest[0]), &profiles); jerr != nil {
			return fmt.Errorf("schedules: %w", jerr)
		}
		err = svc.SetSchedules(ctx, shop, profiles)
	case "exclude":
		err = svc.SetExcluded(ctx, shop, rest)
	case "post":
		res, err = svc.PostNow(ctx, shop, strings.Join(rest, " "))
	case "topics":
		res, err = runTopics(ctx, svc, shop, rest)
	case "activity":
		limit := 20
		if len(rest) > 0 {
			n, perr := strconv.Atoi(rest[0])
			if perr != nil || n < 1 {
				return usageErr("activity limit must be a positive number")
			}
			limit = n
		}
		res, err = svc.Activity(ctx, shop, limit)
	case "syslog":
		res, err = svc.SystemLog(ctx, shop)
	case "reset":
		res, err = svc.ResetAll(ctx, shop)
	default:
		return usageErr("unknown command %q", cmd)
	}
	if err != nil {
		return err
	}
	if res == nil {
		res = map[string]string{"result": "ok"}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func runLimit(ctx context.Context, svc *admin.Service, shop string, rest []string) error {
	if len(rest) == 0 {
		return usageErr("limit <shop> off | on <maxPerDay>")
	}
	on, err := parseSwitch(rest[0])
	if err != nil {
		return err
	}
	if !on {
		// keep the configured maximum
		ov, err := svc.Overview(ctx, shop)
		if err != nil {
			return err
		}
		return svc.SetDailyLimit(ctx, shop, false, max(1, ov.DailyLimit.MaxPerDay))
	}
	if len(rest) != 2 {
		return usageErr("limit <shop> on <maxPerDay>")
	}
	perDay, err := strconv.Atoi(rest[1])
	if err != nil {
		return usageErr("maxPerDay must be a number")
	}
	return svc.SetDailyLimit(ctx, shop, true, perDay)
}

func runTopics(ctx context.Context, svc *admin.Service, shop string, rest []string) (any, error) {
	if len(rest) == 0 {
		return nil, usageErr("topics <shop> <action>")
	}
	action, rest := rest[0], rest[1:]
	index := func() (int, error) {
		if len(rest) == 0 {
			return 0, usageErr("topics %s needs an index", action)
		}
		n, err := strconv.Atoi(rest[0])
		if err != nil {
			return 0, usageErr("index must be a number")
		}
		return n, nil
	}
	switch action {
	case "add":
		if len(rest) == 0 {
			return nil, usageErr("topics add <title> [intent]")
		}
		var intent topics.Intent
		if len(rest) > 1 {
			intent = topics.Intent(rest[1])
		}
		return svc.AddTopic(ctx, shop, rest[0], intent)
	case "remove":
		n, err := index()
		if err != nil {
			return nil, err
		}
		return svc.RemoveTopic(ctx, shop, n)
	case "archive":
		n, err := index()
		if err != nil {
			return nil, err
		}
		title := ""
		if len(rest) > 1 {
			title = strings.Join(rest[1:], " ")
		}
		return svc.ArchiveTopic(ctx, shop, n, title)
	case "release":
		n, err := svc.ReleaseArchive(ctx, shop)
		return map[string]int{"released": n}, err
	case "clear-queue":
		n, err := svc.ClearQueue(ctx, shop)
		return map[string]int{"cleared": n}, err
	case "clear-archive":
		n, err := svc.ClearArchive(ctx, shop)
		return map[string]int{"cleared": n}, err
	}
	return nil, usageErr("unknown topics action %q", action)
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true", "1", "enable", "enabled":
		return true, nil
	case "off", "false", "0", "disable", "disabled", "pause":
		return false, nil
	}
	return false, usageErr("expected on|off, got %q", s)
}
