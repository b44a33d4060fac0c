package utils

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/AdguardTeam/golibs/log"
)

// DownloadToFile fetches url and writes the body to filePath, or to a name
// derived from the URL's last path segment if opFilePath is omitted. Used
// by candidate providers that pull a proxy list from a remote feed rather
// than a local file.
func DownloadToFile(url string, opFilePath ...string) error {
	filePath := ""
	if len(opFilePath) > 0 {
		filePath = opFilePath[0]
	} else {
		tokens := strings.Split(url, "/")
		filePath = tokens[len(tokens)-1]
		if !strings.HasSuffix(filePath, ".txt") {
			filePath += ".txt"
		}
	}

	output, err := os.Create(filePath)
	if err != nil {
		log.Error("utils: creating %s: %v", filePath, err)
		return err
	}
	defer func() {
		if cerr := output.Close(); cerr != nil {
			log.Error("utils: closing %s: %v", filePath, cerr)
		}
	}()

	resp, err := http.Get(url)
	if err != nil {
		log.Error("utils: downloading %s: %v", url, err)
		return err
	}
	defer func(body io.ReadCloser) {
		if cerr := body.Close(); cerr != nil {
			log.Error("utils: closing response body for %s: %v", url, cerr)
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		log.Error("utils: %s returned status %s", url, resp.Status)
		return errors.New("bad status: " + resp.Status)
	}

	if _, err := io.Copy(output, resp.Body); err != nil {
		log.Error("utils: writing %s: %v", filePath, err)
		return err
	}
	return nil
}

// RemoteFileExists sends a HEAD request to fileURL and reports whether it
// resolved with 200 OK, used to skip a dead provider feed before spending
// a full download on it.
func RemoteFileExists(fileURL string) bool {
	resp, err := http.Head(fileURL)
	if err != nil {
		return false
	}
	return resp.StatusCode == http.StatusOK
}
