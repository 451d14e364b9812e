package scoring

import "fmt"

// BuildPrompt renders the help-desk rubric around the flattened transcript.
func BuildPrompt(transcript string) string {
	prompt := `Analyze this customer service call transcription and provide a score from 0-100 based on the following criteria:

1. NetID obtained within 120 seconds (10 points)
2. Issue resolution (15 points)
3. Quality of instructions provided (15 points)
4. Use of Zoom for verification (5 points) - give full points if the agent mentions Zoom verification at any point during the call
5. Keeping confidential information confidential until verification (7 points)
6. Overall technical support quality (48 points)

CRITICAL INSTRUCTIONS:
- Read the ENTIRE transcription word by word
- For criterion 4: look for the exact word "Zoom" (case-insensitive) anywhere in the transcription
- If the agent mentions "Zoom", give the full 5 points for criterion 4
- Be fair and accurate; if the agent performed well, give them the points they deserve
- Do not deduct points for minor issues or things that could have been done differently
- Focus on what the agent actually accomplished

Transcription to analyze:
%s

Respond ONLY with a JSON object with keys:
score (integer 0-100),
reasoning (string explaining the score and specifically mentioning what you found about Zoom usage).
Do not wrap the JSON in backticks.

If the agent completed all the main tasks (obtained NetID, resolved issue, provided instructions, used Zoom, kept info confidential), consider a score of 95-100.`

	return fmt.Sprintf(prompt, transcript)
}
