package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/6tail/lunar-go/calendar"

	"github.com/voxgate/voxgate/internal/plugins"
)

var weekdays = [...]string{"星期日", "星期一", "星期二", "星期三", "星期四", "星期五", "星期六"}

// TimeContext formats the current time, Gregorian date, weekday, and lunar
// date as a single context line for the LLM.
func TimeContext(now time.Time) string {
	lunar := calendar.NewSolarFromDate(now).GetLunar()
	return fmt.Sprintf("当前时间 %s，今天是 %s %s，农历%s。",
		now.Format("15:04"),
		now.Format("2006年1月2日"),
		weekdays[now.Weekday()],
		lunar.String())
}

func timeTool() plugins.Tool {
	return plugins.Tool{
		Name:        "get_time",
		Description: "查询当前的时间、日期、星期和农历日期",
		Type:        plugins.Wait,
		Definition: plugins.NewDefinition(
			"get_time",
			"Get the current time, date, weekday, and lunar calendar date.",
			nil, nil),
		Handler: func(ctx context.Context, pctx *plugins.Context, args map[string]any) (plugins.ActionResponse, error) {
			return plugins.ActionResponse{
				Action: plugins.ActionReqLLM,
				Result: TimeContext(time.Now()),
			}, nil
		},
	}
}
