package podman

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"pkt.systems/evalfleet/internal/shipohoy"
)

// FollowLogs copies the container's stdout and stderr until the container
// exits or ctx is cancelled.
func (r *Runtime) FollowLogs(ctx context.Context, h shipohoy.Handle, stdout, stderr io.Writer) error {
	if h == nil {
		return errors.New("container handle is required")
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	query := url.Values{}
	query.Set("follow", "1")
	query.Set("stdout", "1")
	query.Set("stderr", "1")
	res, err := r.client.do(ctx, http.MethodGet, fmt.Sprintf("/containers/%s/logs", url.PathEscape(h.ID())), query, nil, "")
	if err != nil {
		log.Warn("podman logs failed", "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == http.StatusNotFound {
		return shipohoy.ErrNotFound
	}
	if res.StatusCode >= 300 {
		log.Warn("podman logs failed", "status", res.StatusCode)
		return readAPIError(res)
	}
	if err := copyDockerStream(res.Body, stdout, stderr); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("podman logs failed", "err", err)
		return err
	}
	log.Debug("podman logs ended")
	return nil
}

// copyDockerStream demultiplexes the 8-byte framed attach stream.
func copyDockerStream(r io.Reader, stdout, stderr io.Writer) error {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		dst := stdout
		if header[0] == 2 {
			dst = stderr
		}
		if _, err := io.CopyN(dst, r, int64(size)); err != nil {
			return err
		}
	}
}
