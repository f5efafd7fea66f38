package util

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	log "github.com/sirupsen/logrus"
)

// maxConfigFileSize bounds configuration reads, the device has little memory to spare
const maxConfigFileSize = 1024 * 1024

// WriteJson writes JSON config object to a file creating parent directories if required
// The output JSON is pretty-formatted
func WriteJson(ctx context.Context, file string, obj interface{}) error {
	configDir, configFileName, err := prepareConfigFileDir(file)
	if err != nil {
		return err
	}

	return writeJson(ctx, file, obj, configDir, configFileName)
}

func writeJson(ctx context.Context, file string, obj interface{}, configDir string, configFileName string) error {
	if ctx.Err() != nil {
		return fmt.Errorf("write json start: %w", ctx.Err())
	}

	// make it pretty
	bs, err := json.MarshalIndent(obj, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	return writeBytes(ctx, file, configDir, configFileName, bs)
}

// writeBytes writes through a temp file in the target directory and renames it
// over file, so a power cut leaves either the old or the new content.
func writeBytes(ctx context.Context, file string, configDir string, configFileName string, bs []byte) error {
	if ctx.Err() != nil {
		return fmt.Errorf("write bytes start: %w", ctx.Err())
	}

	tempFile, err := os.CreateTemp(configDir, ".*"+configFileName)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}

	tempFileName := tempFile.Name()
	defer func() {
		if _, err := os.Stat(tempFileName); err == nil {
			if err := os.Remove(tempFileName); err != nil {
				log.Warnf("failed to remove temp file %s: %v", tempFileName, err)
			}
		}
	}()

	if err := os.Chmod(tempFileName, 0o600); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("set temp file permissions: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := tempFile.SetDeadline(deadline); err != nil && !errors.Is(err, os.ErrNoDeadline) {
			log.Warnf("failed to set deadline: %v", err)
		}
	}

	if _, err = tempFile.Write(bs); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write: %w", err)
	}

	if err = tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("sync %s: %w", tempFileName, err)
	}

	if err = tempFile.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tempFileName, err)
	}

	if ctx.Err() != nil {
		return fmt.Errorf("after temp file: %w", ctx.Err())
	}

	if err = os.Rename(tempFileName, file); err != nil {
		return fmt.Errorf("move %s to %s: %w", tempFileName, file, err)
	}

	return nil
}

// ReadJsonWithEnvSub reads JSON config file and maps to a provided interface with environment variable substitution.
// Variables are referenced as {{ .NAME }}; the template has no functions.
func ReadJsonWithEnvSub(file string, res interface{}) (interface{}, error) {
	envVars := getEnvMap()

	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	bs, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if len(bs) > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: maximum size is %d bytes", maxConfigFileSize)
	}

	t, err := template.New("").Parse(string(bs))
	if err != nil {
		return nil, fmt.Errorf("error parsing template: %v", err)
	}

	var output bytes.Buffer
	if err := t.Execute(&output, envVars); err != nil {
		return nil, fmt.Errorf("error executing template: %v", err)
	}

	if err := json.Unmarshal(output.Bytes(), &res); err != nil {
		return nil, fmt.Errorf("failed parsing Json file after template was executed, err: %v", err)
	}

	return res, nil
}

// getEnvMap converts the output of os.Environ() to a map
func getEnvMap() map[string]string {
	envMap := make(map[string]string)

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 && parts[0] != "" {
			envMap[parts[0]] = parts[1]
		}
	}

	return envMap
}

// prepareConfigFileDir creates the directory of a config file with 0750 permissions
func prepareConfigFileDir(file string) (string, string, error) {
	configDir, configFileName := filepath.Split(file)
	if configDir == "" {
		return filepath.Dir(file), configFileName, nil
	}

	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return "", "", err
	}

	return configDir, configFileName, nil
}
