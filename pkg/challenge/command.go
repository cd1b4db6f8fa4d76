package challenge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/egsclaim/egsclaim/pkg/whttp"
)

// ContextEnv carries the challenge context to external commands.
const ContextEnv = "EGS_CHALLENGE_CONTEXT"

// CommandClassifier runs an external program for every challenge. The task
// is written to its stdin as JSON:
//
//	{"context":"login","prompt":"...","samples":[{"index":0,"image_url":"...","image_b64":"..."}]}
//
// and it must print {"selected":[0,3]} or {"unsupported":true}.
type CommandClassifier struct {
	Command string
	// HTTP, when set, is used to download tile images so the command gets
	// them inline as base64.
	HTTP    *retryablehttp.Client
	Timeout time.Duration
}

func (c *CommandClassifier) Classify(ctx context.Context, task Task) ([]int, error) {
	payload, err := c.payload(ctx, task)
	if err != nil {
		return nil, err
	}

	out, err := runCommand(ctx, c.Command, c.Timeout, task.Context, payload)
	if err != nil {
		return nil, fmt.Errorf("classifier command: %w", err)
	}
	if !gjson.Valid(out) {
		return nil, fmt.Errorf("classifier printed invalid JSON: %q", out)
	}
	res := gjson.Parse(out)
	if res.Get("unsupported").Bool() {
		return nil, ErrUnsupported
	}
	selected := res.Get("selected")
	if !selected.IsArray() {
		return nil, errors.New("classifier output has no selected array")
	}
	var idx []int
	for _, v := range selected.Array() {
		idx = append(idx, int(v.Int()))
	}
	return idx, nil
}

func (c *CommandClassifier) payload(ctx context.Context, task Task) (string, error) {
	payload := "{}"
	var err error
	set := func(path string, v interface{}) {
		if err == nil {
			payload, err = sjson.Set(payload, path, v)
		}
	}
	set("context", string(task.Context))
	set("prompt", task.Prompt)
	set("samples", []interface{}{})
	for i, s := range task.Samples {
		set(fmt.Sprintf("samples.%d.index", i), s.Index)
		set(fmt.Sprintf("samples.%d.image_url", i), s.ImageURL)
		if c.HTTP != nil && s.ImageURL != "" {
			img, dlErr := c.download(ctx, s.ImageURL)
			if dlErr != nil {
				return "", fmt.Errorf("download sample %d: %w", i, dlErr)
			}
			set(fmt.Sprintf("samples.%d.image_b64", i), base64.StdEncoding.EncodeToString(img))
		}
	}
	return payload, err
}

func (c *CommandClassifier) download(ctx context.Context, url string) ([]byte, error) {
	res, err := whttp.SendHTTPRequest(ctx, &whttp.WHTTPReq{URL: url, Method: "GET"}, c.HTTP)
	if err != nil {
		return nil, err
	}
	if !res.IsSuccess() {
		return nil, fmt.Errorf("unexpected status code %d", res.StatusCode)
	}
	return res.Body, nil
}

// CommandBridge hands the whole attempt to an external program. The context
// name is passed in EGS_CHALLENGE_CONTEXT and as $1; the program prints one
// of success, retry, backcall or crash.
type CommandBridge struct {
	Command string
	Timeout time.Duration
	Log     Logger
}

func (b *CommandBridge) Resolve(ctx context.Context, c Context) Outcome {
	log := b.Log
	if log == nil {
		log = nopLogger{}
	}
	out, err := runCommand(ctx, b.Command, b.Timeout, c, "")
	if err != nil {
		log.Errorf("[%s] challenge command failed: %v", c, err)
		return Crash
	}
	outcome, err := ParseOutcome(out)
	if err != nil {
		log.Errorf("[%s] %v", c, err)
		return Crash
	}
	return outcome
}

func runCommand(ctx context.Context, command string, timeout time.Duration, c Context, stdin string) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", errors.New("no command configured")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command, "sh", string(c))
	cmd.Env = append(os.Environ(), ContextEnv+"="+string(c))
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}
