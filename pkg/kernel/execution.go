package kernel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Execution represents one code submission in flight. Created by
// Client.Submit; consume it with Stream (incremental output) or Result
// (blocks for the full output).
type Execution struct {
	client   *Client
	reqID    string
	messages chan json.RawMessage

	consumed bool
}

// Stream yields output fragments as the kernel produces them, closing the
// fragment channel once execute_reply arrives. If the code raised an exception, the
// returned channel is closed and a subsequent call to Result (or checking
// the error returned here) surfaces an *ExecutionError.
func (e *Execution) Stream(ctx context.Context, timeout time.Duration) (<-chan Fragment, <-chan error) {
	out := make(chan Fragment)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)
		defer e.client.release(e.reqID)
		e.consumed = true

		timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var savedError *ExecutionError
		for {
			select {
			case <-timeoutCtx.Done():
				_ = e.client.interrupt(context.Background())
				time.Sleep(200 * time.Millisecond)
				if ctx.Err() != nil {
					errc <- ctx.Err()
				} else {
					errc <- fmt.Errorf("kernel: execution timed out after %s", timeout)
				}
				return
			case raw, ok := <-e.messages:
				if !ok {
					errc <- fmt.Errorf("kernel: connection closed while awaiting execution result")
					return
				}

				var env messageEnvelope
				if err := json.Unmarshal(raw, &env); err != nil {
					continue
				}

				switch env.MsgType {
				case "stream":
					if env.Content.Text != "" {
						select {
						case out <- Fragment{Kind: FragmentText, Text: env.Content.Text}:
						case <-ctx.Done():
							errc <- ctx.Err()
							return
						}
					}
				case "error":
					savedError = &ExecutionError{
						Name:      orDefault(env.Content.EName, "Unknown Error"),
						Value:     env.Content.EValue,
						Traceback: strings.Join(env.Content.Trace, "\n"),
					}
				case "execute_reply":
					if env.Content.Status == "error" {
						if savedError == nil {
							savedError = &ExecutionError{Name: orDefault(env.Content.EName, "Unknown Error"), Value: env.Content.EValue, Traceback: strings.Join(env.Content.Trace, "\n")}
						}
						errc <- savedError
					}
					return
				case "execute_result", "display_data":
					if text, ok := env.Content.Data["text/plain"].(string); ok && text != "" {
						select {
						case out <- Fragment{Kind: FragmentText, Text: text}:
						case <-ctx.Done():
							errc <- ctx.Err()
							return
						}
					}
					if img, ok := env.Content.Data["image/png"].(string); ok && img != "" {
						path, err := e.client.writeImage(img)
						if err != nil {
							continue
						}
						select {
						case out <- Fragment{Kind: FragmentImage, ImagePath: path}:
						case <-ctx.Done():
							errc <- ctx.Err()
							return
						}
					}
				}
			}
		}
	}()

	return out, errc
}

// Result consumes the execution's entire output and returns it accumulated,
// matching the synchronous ipybox.CodeExecutor.execute behavior.
func (e *Execution) Result(ctx context.Context, timeout time.Duration) (*Result, error) {
	out, errc := e.Stream(ctx, timeout)

	res := &Result{}
	var textBuf strings.Builder
	for frag := range out {
		switch frag.Kind {
		case FragmentText:
			textBuf.WriteString(frag.Text)
		case FragmentImage:
			res.Images = append(res.Images, frag.ImagePath)
		}
	}
	if err := <-errc; err != nil {
		return nil, err
	}

	res.Text = strings.TrimSpace(textBuf.String())
	return res, nil
}

func (c *Client) writeImage(b64 string) (string, error) {
	dir, err := c.imagesDir()
	if err != nil {
		return "", fmt.Errorf("kernel: creating images dir: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("kernel: decoding image: %w", err)
	}

	path := filepath.Join(dir, uuid.NewString()[:8]+".png")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("kernel: writing image: %w", err)
	}
	return path, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
