package controlplane

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"taskagent/internal/core"

	"github.com/tidwall/gjson"
)

// InvalidTask is a run-task that could not be decoded.
type InvalidTask struct {
	TaskID string
	Param  string
	Value  string
}

type fetchResponse struct {
	Run  []taskEntry `json:"run"`
	Stop []taskEntry `json:"stop"`
}

type taskEntry struct {
	Task   taskPayload   `json:"task"`
	Output outputPayload `json:"output"`
}

type taskPayload struct {
	TaskID      string     `json:"taskID"`
	CommandType string     `json:"type"`
	Content     string     `json:"commandContent"`
	WorkingDir  string     `json:"workingDirectory"`
	Cron        string     `json:"cron"`
	TimeOut     flexString `json:"timeOut"`
}

type outputPayload struct {
	Interval  int  `json:"interval"`
	LogQuota  int  `json:"logQuota"`
	SkipEmpty bool `json:"skipEmpty"`
	SendStart bool `json:"sendStart"`
}

// flexString accepts both "60" and 60.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// ParseTaskList decodes a fetch response. Run-tasks whose command content is
// not valid base64 are returned separately and left out of the list.
func ParseTaskList(body []byte) (core.TaskList, []InvalidTask, error) {
	var list core.TaskList
	if len(strings.TrimSpace(string(body))) == 0 {
		return list, nil, nil
	}
	if !gjson.ValidBytes(body) {
		return list, nil, errors.New("parse task list: invalid json")
	}
	var resp fetchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return list, nil, fmt.Errorf("parse task list: %w", err)
	}

	var invalid []InvalidTask
	for _, entry := range resp.Run {
		if entry.Task.TaskID == "" {
			continue
		}
		content, err := base64.StdEncoding.DecodeString(entry.Task.Content)
		if err != nil {
			invalid = append(invalid, InvalidTask{TaskID: entry.Task.TaskID, Param: "commandContent", Value: entry.Task.Content})
			continue
		}
		info := core.RunTaskInfo{
			TaskID:         entry.Task.TaskID,
			CommandType:    entry.Task.CommandType,
			Content:        string(content),
			WorkingDir:     entry.Task.WorkingDir,
			TimeoutSeconds: parseTimeout(string(entry.Task.TimeOut)),
			Cron:           strings.TrimSpace(entry.Task.Cron),
			Output: core.OutputInfo{
				FlushInterval: time.Duration(entry.Output.Interval) * time.Millisecond,
				LogQuota:      entry.Output.LogQuota,
				SkipEmpty:     entry.Output.SkipEmpty,
				SendStart:     entry.Output.SendStart,
			},
		}
		info.ApplyDefaults()
		list.Run = append(list.Run, info)
	}
	for _, entry := range resp.Stop {
		if entry.Task.TaskID == "" {
			continue
		}
		list.Stop = append(list.Stop, core.StopTaskInfo{TaskID: entry.Task.TaskID})
	}
	return list, invalid, nil
}

func parseTimeout(raw string) int {
	seconds, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || seconds <= 0 {
		return core.DefaultTimeoutSeconds
	}
	return seconds
}

// FetchTasks pulls the pending task list.
func (c *Client) FetchTasks(ctx context.Context, reason string) (core.TaskList, error) {
	body, err := c.post(ctx, fetchPath, url.Values{"reason": {reason}}, nil)
	if err != nil {
		return core.TaskList{}, fmt.Errorf("fetch task list: %w", err)
	}
	list, invalid, err := ParseTaskList(body)
	if err != nil {
		return core.TaskList{}, err
	}
	for _, task := range invalid {
		c.logger.Warn("drop undecodable task", "task_id", task.TaskID, "param", task.Param)
		if err := c.ReportInvalid(ctx, task.TaskID, task.Param, task.Value); err != nil {
			c.logger.Warn("send invalid report", "task_id", task.TaskID, "err", err)
		}
	}
	return list, nil
}

// ReportStart announces that a task started.
func (c *Client) ReportStart(ctx context.Context, taskID string, start int64) error {
	_, err := c.post(ctx, runningPath, startQuery(taskID, start), nil)
	if err != nil {
		return fmt.Errorf("report start: %w", err)
	}
	return nil
}

// ReportRunning sends output produced since the previous flush and returns
// the server's accounting.
func (c *Client) ReportRunning(ctx context.Context, taskID string, start int64, output []byte) (core.Ack, error) {
	body, err := c.post(ctx, runningPath, startQuery(taskID, start), output)
	if err != nil {
		return core.Ack{}, fmt.Errorf("report running: %w", err)
	}
	return parseAck(body)
}

func parseAck(body []byte) (core.Ack, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return core.Ack{}, nil
	}
	if !gjson.ValidBytes(body) {
		return core.Ack{}, errors.New("parse running response: invalid json")
	}
	result := gjson.GetManyBytes(body, "received", "accepted", "current")
	return core.Ack{
		Received: int(result[0].Int()),
		Accepted: int(result[1].Int()),
		Current:  int(result[2].Int()),
	}, nil
}

// ReportFinal sends a terminal report to the endpoint matching its kind.
func (c *Client) ReportFinal(ctx context.Context, report core.FinalReport) error {
	path, query, err := finalRequest(report)
	if err != nil {
		return err
	}
	if _, err := c.post(ctx, path, query, report.Output); err != nil {
		return fmt.Errorf("report %s: %w", report.Kind, err)
	}
	return nil
}

func finalRequest(report core.FinalReport) (string, url.Values, error) {
	query := url.Values{
		"taskId":  {report.TaskID},
		"start":   {strconv.FormatInt(report.Start, 10)},
		"end":     {strconv.FormatInt(report.End, 10)},
		"dropped": {strconv.Itoa(report.Dropped)},
	}
	switch report.Kind {
	case core.ReportFinish:
		query.Set("exitCode", strconv.Itoa(report.ExitCode))
		return finishPath, query, nil
	case core.ReportStopped:
		query.Set("result", "killed")
		return stoppedPath, query, nil
	case core.ReportTimeout:
		return timeoutPath, query, nil
	case core.ReportError:
		query.Set("exitCode", strconv.Itoa(report.ExitCode))
		if report.ErrDesc != "" {
			query.Set("errDesc", truncateUTF8(report.ErrDesc, 255))
		}
		return errorPath, query, nil
	default:
		return "", nil, fmt.Errorf("report final: unknown kind %q", report.Kind)
	}
}

// ReportInvalid tells the control plane that a task parameter was rejected.
func (c *Client) ReportInvalid(ctx context.Context, taskID, param, value string) error {
	query := url.Values{"taskId": {taskID}, "param": {param}, "value": {value}}
	if _, err := c.post(ctx, invalidPath, query, nil); err != nil {
		return fmt.Errorf("report invalid: %w", err)
	}
	return nil
}

func startQuery(taskID string, start int64) url.Values {
	return url.Values{"taskId": {taskID}, "start": {strconv.FormatInt(start, 10)}}
}
