// SPDX-License-Identifier: MPL-2.0

package knowledge

import (
	"fmt"
	"net/url"
	"strings"

	"gopkg.in/ini.v1"
)

// PipCredentialsRef is the build secret id used when a pip.conf index URL
// carries credentials. The credentials are never written into a definition.
const PipCredentialsRef = "pip-index-credentials"

// RegistryFromPipConf reads index-url and trusted-host from the [global]
// section of a pip configuration file. User info embedded in the index URL
// is stripped and replaced by a reference to PipCredentialsRef.
func RegistryFromPipConf(path string) (*Registry, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{AllowPythonMultilineValues: true}, path)
	if err != nil {
		return nil, fmt.Errorf("read pip config: %w", err)
	}
	global := cfg.Section("global")
	raw := strings.TrimSpace(global.Key("index-url").String())
	if raw == "" {
		return nil, fmt.Errorf("%s: [global] has no index-url", path)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%s: invalid index-url %q", path, raw)
	}

	reg := &Registry{TrustedHosts: strings.Fields(global.Key("trusted-host").String())}
	if u.User != nil {
		u.User = nil
		reg.CredentialsRef = PipCredentialsRef
	}
	reg.IndexURL = u.String()
	return reg, nil
}
