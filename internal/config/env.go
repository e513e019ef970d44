// SPDX-License-Identifier: MPL-2.0

package config

import (
	"fmt"

	"github.com/joho/godotenv"
)

// LoadEnvFile reads a dotenv file. An empty path yields no variables.
func LoadEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return vars, nil
}
