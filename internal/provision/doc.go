// SPDX-License-Identifier: MPL-2.0

// Package provision turns generated container definitions into local images.
//
// Images are tagged by definition hash, so an existing tag is a cache hit
// and the build is skipped. A definition is saved provisionally before its
// build and committed to the definition store only once the image exists:
//
//	provisioner := provision.NewLayerProvisioner(engine, store, cfg)
//	result, err := provisioner.Ensure(ctx, def, buildLog)
//	// result.ImageTag names the image to run
package provision
