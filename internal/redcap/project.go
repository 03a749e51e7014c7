package redcap

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"redcapaudit/internal/logging"
)

// ExportOptions is every metadata section the audit reads, with automated
// invites left enabled.
const ExportOptions = "userroles,reports,alerts,surveys,sq,asi,asienable"

// DownloadProject saves the project metadata XML into dir under the file
// name the server suggests. An existing file is never overwritten.
func (c *Client) DownloadProject(ctx context.Context, dir string) (string, error) {
	if err := c.requireProject(); err != nil {
		return "", err
	}
	target := c.pageURL("ProjectSetup/export_project_odm.php", url.Values{
		"pid":                  {c.projectID},
		"xml_metadata_options": {ExportOptions},
	})
	req, err := c.newRequest(ctx, "GET", target, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/xml,text/html;q=0.9,*/*;q=0.8")

	resp, body, err := c.do(req)
	if err != nil {
		return "", err
	}
	if !bytes.Contains(body[:min(len(body), 4096)], []byte("<ODM")) {
		return "", fmt.Errorf("%w: export returned %s", ErrNotAuthenticated, resp.Header.Get("Content-Type"))
	}

	name := exportFilename(resp.Header.Get("Content-Disposition"), c.projectID)
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return "", fmt.Errorf("%w: %s", ErrFileExists, path)
		}
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close %s: %w", path, err)
	}

	logging.Get(logging.CategoryREDCap).Info("saved project %s to %s (%d bytes)", c.projectID, path, len(body))
	return path, nil
}

// exportFilename takes the server's suggested name, reduced to a safe base
// name.
func exportFilename(disposition, projectID string) string {
	name := ""
	if _, params, err := mime.ParseMediaType(disposition); err == nil {
		name = params["filename"]
	}
	name = sanitizeFilename(filepath.Base(strings.ReplaceAll(name, `\`, "/")))
	if name == "" || name == "." || name == "_" {
		name = fmt.Sprintf("project_%s.REDCap.xml", projectID)
	}
	return name
}

func sanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, strings.ContainsRune(`<>:"/\|?*`, r):
			return '_'
		}
		return r
	}, name)
}
