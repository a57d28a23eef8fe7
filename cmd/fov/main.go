// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command fov runs and inspects the FOV context service.
//
// Usage:
//
//	fov serve --config fov.yaml
//	fov serve --port 9090 --log-level debug --archive-path ~/.aleutian/fov
//	fov status --server http://localhost:12230
//	fov config show
//	fov config validate fov.yaml
//
// Example requests against a running server:
//
//	# Create a session for a 200k window model
//	curl -X POST http://localhost:12230/sessions \
//	  -H "Content-Type: application/json" \
//	  -d '{"curriculumId": "bio-101", "modelName": "claude-3-5-sonnet-20241022"}'
//
//	# Learner interrupts playback
//	curl -X POST http://localhost:12230/sessions/$ID/barge-in \
//	  -d '{"utterance": "Wait, what is ATP?", "interruptedPosition": 42.5}'
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
