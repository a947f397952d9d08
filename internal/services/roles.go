// internal/services/roles.go
package services

import "fmt"

// 五个角色的系统指令
const (
	novelistInstruction = "You are a creative novelist. Write a very short, vivid story (max 100 words) based on the user's theme. Focus on atmosphere and emotion."

	directorInstruction = "You are a movie director. Read the story and describe the SINGLE most visually striking scene for an illustration. Include Subject, Action, Lighting, and Mood. Do NOT use tags, use natural English sentences."

	promptEngineerInstruction = "You are an expert Stable Diffusion Prompt Engineer. Convert the description into highly detailed, comma-separated English tags/keywords. Include quality boosters (masterpiece, best quality, 8k)."

	artDirectorInstruction = "You are a strict Art Director. You judge rendered illustrations against a scene description and answer in JSON only."
)

func novelistInput(theme string) string {
	return fmt.Sprintf("Theme: %s", theme)
}

func directorInput(story string) string {
	return fmt.Sprintf("Story: %s", story)
}

// promptEngineerInput 首次只给场景描述；之后附带上一版提示词和审阅意见
func promptEngineerInput(scene, previousPrompt, feedback string, attempt int) string {
	if attempt == 0 {
		return fmt.Sprintf("Scene Description: %s", scene)
	}
	return fmt.Sprintf("Original Scene: %s\nPrevious Prompt: %s\nReviewer Feedback (Fix this): %s", scene, previousPrompt, feedback)
}

func artDirectorInput(scene string) string {
	return fmt.Sprintf(`TASK: Compare the image with the Director's Scene Description: "%s".
INSTRUCTIONS:
- Check for visual consistency with the description.
- Check for image quality (distortion, bad anatomy).
OUTPUT (JSON ONLY): { "status": "PASS" or "RETRY", "reason": "Short feedback." }`, scene)
}
