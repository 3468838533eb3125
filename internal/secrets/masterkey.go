package secrets

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

var getenv = os.Getenv

// KeySource says where the master key lives. The key file uses KEY=VALUE
// lines, the shape a Vault agent template renders.
type KeySource struct {
	EnvVar  string
	KeyFile string
	FileKey string
}

// ResolveMasterKey prefers the environment and falls back to the key file.
func ResolveMasterKey(src KeySource) (string, error) {
	if name := strings.TrimSpace(src.EnvVar); name != "" {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			return v, nil
		}
	}
	if strings.TrimSpace(src.KeyFile) == "" {
		return "", errors.New("master key not configured")
	}
	env, err := loadKeyFile(src.KeyFile)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(src.FileKey)
	if name == "" {
		name = src.EnvVar
	}
	if v := env[name]; v != "" {
		return v, nil
	}
	return "", fmt.Errorf("master key %q missing from key file", name)
}

func loadKeyFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	env := map[string]string{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		env[key] = strings.Trim(strings.TrimSpace(val), `"`)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(env) == 0 {
		return nil, errors.New("no key entries")
	}
	return env, nil
}
