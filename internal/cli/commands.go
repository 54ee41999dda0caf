package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

var ErrUsage = errors.New("usage")

// Request is one ctl command resolved to an API call.
type Request struct {
	Method string
	Path   string
	Body   interface{}
	Text   bool
}

type Options struct {
	Priority int
}

// Resolve maps a ctl command and its arguments onto the local API.
func Resolve(cmd string, args []string, opts Options) (Request, error) {
	arg := func() (string, error) {
		if len(args) < 1 || args[0] == "" {
			return "", fmt.Errorf("%w: %s requires an argument", ErrUsage, cmd)
		}
		return url.PathEscape(args[0]), nil
	}

	switch cmd {
	case "status", "health", "scans", "history", "activity", "notifications":
		return Request{Method: http.MethodGet, Path: "/" + cmd}, nil
	case "metrics":
		return Request{Method: http.MethodGet, Path: "/metrics", Text: true}, nil
	case "scan":
		id, err := arg()
		if err != nil {
			return Request{}, err
		}
		return Request{Method: http.MethodGet, Path: "/scans/" + id}, nil
	case "vulns":
		path := "/vulnerabilities"
		if len(args) > 0 {
			page, err := strconv.Atoi(args[0])
			if err != nil || page < 1 {
				return Request{}, fmt.Errorf("%w: page must be a positive number", ErrUsage)
			}
			path += "?page=" + strconv.Itoa(page)
		}
		return Request{Method: http.MethodGet, Path: path}, nil
	case "submit":
		if len(args) < 1 || args[0] == "" {
			return Request{}, fmt.Errorf("%w: submit requires a domain", ErrUsage)
		}
		priority := opts.Priority
		if priority == 0 {
			priority = 2
		}
		if priority < 1 || priority > 3 {
			return Request{}, fmt.Errorf("%w: priority must be 1, 2 or 3", ErrUsage)
		}
		return Request{
			Method: http.MethodPost,
			Path:   "/scans",
			Body:   map[string]interface{}{"domain": args[0], "priority": priority},
		}, nil
	case "pause", "resume", "stop":
		id, err := arg()
		if err != nil {
			return Request{}, err
		}
		return Request{Method: http.MethodPost, Path: "/scans/" + id + "/" + cmd}, nil
	case "delete-vuln":
		id, err := arg()
		if err != nil {
			return Request{}, err
		}
		return Request{Method: http.MethodDelete, Path: "/vulnerabilities/" + id}, nil
	case "retest":
		id, err := arg()
		if err != nil {
			return Request{}, err
		}
		return Request{Method: http.MethodPost, Path: "/vulnerabilities/" + id + "/retest"}, nil
	case "dismiss":
		id, err := arg()
		if err != nil {
			return Request{}, err
		}
		return Request{Method: http.MethodDelete, Path: "/notifications/" + id}, nil
	case "reconnect", "disconnect":
		return Request{Method: http.MethodPost, Path: "/connection/" + cmd}, nil
	default:
		return Request{}, fmt.Errorf("%w: unknown command %q", ErrUsage, cmd)
	}
}

func (c *Client) Execute(ctx context.Context, req Request) ([]byte, error) {
	if req.Text {
		return c.DoText(ctx, req.Method, req.Path)
	}
	return c.DoJSON(ctx, req.Method, req.Path, req.Body)
}
