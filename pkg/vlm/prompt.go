package vlm

import (
	"fmt"
	"strings"
	"time"
)

const systemPrompt = `You are a traffic incident detection system for freeway monitoring cameras.
Identify all potential incidents and traffic anomalies so human operators can review them.
Images are low resolution; when uncertain, report the incident with lower confidence rather than skipping it.

Traffic states:
- free: normal highway speeds, good spacing, no visible brake lights
- moderate: some slowing, vehicles closer together, steady flow
- heavy: dense traffic, frequent brake lights, reduced speeds but still moving
- stop_and_go: vehicles stopping and starting, stationary traffic visible
- unknown: only when image quality prevents any assessment

Incident types: crash, stopped_vehicle_lane, stopped_vehicle_shoulder, stalled_vehicle,
debris, emergency_response, pedestrian, traffic_anomaly.
Severity: high (crashes, blocked lanes, pedestrians), medium (shoulder stops with people,
debris in lanes, emergency response), low (routine shoulder stops, unclear anomalies).
Describe each incident with lane, direction, vehicle details and distance from camera.

Respond with ONLY valid JSON matching this schema:
{
  "observed_direction": "EB|WB|NB|SB",
  "traffic_state": "free|moderate|heavy|stop_and_go|unknown",
  "incidents": [{"type": "string", "severity": "low|medium|high", "description": "string"}],
  "notes": "single-paragraph scene summary",
  "overall_confidence": 0.0
}`

func userPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Analyze this freeway camera image for traffic incidents and conditions.\n\n")
	fmt.Fprintf(&b, "Camera: %s\n", req.CameraName)
	fmt.Fprintf(&b, "Location: %s %sbound\n", req.Corridor, req.Direction)
	fmt.Fprintf(&b, "Camera ID: %s\n", req.CameraID)
	fmt.Fprintf(&b, "Timestamp: %s\n\n", req.CapturedAt.UTC().Format(time.RFC3339))
	b.WriteString("Provide your analysis as JSON only.")
	return b.String()
}
