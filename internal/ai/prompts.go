package ai

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/digkill/screencopy/internal/models"
)

var hangul = regexp.MustCompile(`[\x{AC00}-\x{D7AF}]`)

func isKoreanLanguage(language string) bool {
	l := strings.ToLower(language)
	return strings.Contains(l, "korean") || strings.Contains(l, "한국어")
}

func containsHangul(text string) bool {
	return hangul.MatchString(text)
}

var categoryBenchmarks = map[string]string{
	"productivity": `Notion ("Your wiki, docs, & projects"), Todoist ("Organize your life"), Things 3 ("Get things done")`,
	"game":         `Candy Crush ("Sweet!"), Clash Royale ("Enter the Arena"), Genshin Impact ("Open World Adventure")`,
	"health":       `Calm ("Sleep more. Stress less."), Headspace ("Be kind to your mind"), MyFitnessPal ("Reach your goals")`,
	"social":       `Instagram ("Capture and Share"), BeReal ("Your friends for real"), Threads ("Say more")`,
	"education":    `Duolingo ("Learn for free. Forever."), Khan Academy ("You can learn anything"), Quizlet ("Study smarter")`,
	"business":     `Slack ("Where work happens"), Zoom ("Meet happy"), Notion ("All-in-one workspace")`,
}

func benchmarkFor(category string) string {
	if ref, ok := categoryBenchmarks[strings.ToLower(strings.TrimSpace(category))]; ok {
		return ref
	}
	return "Match the premium quality of the top 10 apps in this category"
}

func languageOrDefault(language string) string {
	if strings.TrimSpace(language) == "" {
		return models.DefaultLanguage
	}
	return language
}

// copyPrompts returns the system and user prompt for a generation request.
func copyPrompts(in models.InputContext) (string, string) {
	if in.IsAppStore() {
		return appStorePrompts(in)
	}
	return threadPrompts(in)
}

func appStorePrompts(in models.InputContext) (string, string) {
	korean := isKoreanLanguage(in.Language)

	headlineLimit, subtextLimit, langRule := "30 chars max", "60 chars max", "- All text: "+languageOrDefault(in.Language)
	if korean {
		headlineLimit, subtextLimit, langRule = "15자 이하", "30자 이하", "- 모든 텍스트: 한국어"
	}

	var b strings.Builder
	b.WriteString("You are a world-class App Store copywriter.\n\n")
	b.WriteString("<mission>\nWrite headlines that make users TAP \"Download\" within 3 seconds of seeing the screenshot.\n")
	b.WriteString("Your copy should create an emotional response, not just describe features.\n</mission>\n\n")
	fmt.Fprintf(&b, "<constraints>\n- Headline: %s\n- Subtext: %s\n- Layout: top|center|bottom|split (avoid Dynamic Island area)\n%s\n</constraints>\n\n",
		headlineLimit, subtextLimit, langRule)

	b.WriteString("<golden_examples>\n")
	if korean {
		b.WriteString(`- 토스: "금융의 모든 것" + "숨은 돈 찾기, 용돈 기입장, 무료 송금"
- 당근: "우리 동네 중고거래" + "믿을만한 이웃 간 중고거래"
- 배민: "배달은 역시" + "1등 배달앱"
패턴: 초짧은 headline (5-10자), subtext에 구체적인 가치, 불필요한 형용사 제거
`)
	} else {
		b.WriteString(`- Notion: "Your wiki, docs & projects. Together." (Power + Benefit)
- Calm: "Sleep more. Stress less." (Dual benefit, rhythmic)
- Duolingo: "Learn a language for free. Forever." (Benefit + Proof)
- Slack: "Where work happens" (Simple power statement)
- Headspace: "Be kind to your mind" (Emotional appeal)
- Todoist: "Organize your life" (Clear benefit)
Pattern: sub-10 word headlines, concrete benefits, rhythm matters, no empty adjectives.
`)
	}
	fmt.Fprintf(&b, "Category reference: %s\n</golden_examples>\n\n", benchmarkFor(in.Category))

	b.WriteString("<anti_patterns>\n")
	if korean {
		b.WriteString("❌ \"혁신적인 앱\", \"최고의 생산성 도구\", \"지금 다운로드하세요\", \"새롭게 출시된\"\n✅ 숫자 사용, 구체적 결과, Before/After 구조\n")
	} else {
		b.WriteString("❌ \"Revolutionary app\", \"Best productivity tool\", \"Download now\", \"Newly launched\", \"Amazing features\"\n✅ Use numbers (\"3x faster\"), specific outcomes (\"Save 30 min\"), Before/After (\"From chaos to calm\")\n")
	}
	b.WriteString("</anti_patterns>\n\n")

	benchmarkHint, whyHint := "Inspired by [App Name]", "Why target users will respond"
	if korean {
		benchmarkHint, whyHint = "[앱 이름] 스타일 참고", "타겟 유저가 반응하는 이유"
	}
	fmt.Fprintf(&b, `<output_format>
Return a JSON array with 5 variations. Each must feel COMPLETELY DIFFERENT.

[
  {
    "headline": "short, punchy headline",
    "subtext": "supporting detail that complements (not repeats) headline",
    "style": "power|benefit|social_proof|feature|emotional",
    "layout": "top|center|bottom|split",
    "color_hex": "#FFFFFF",
    "aso_score": 85,
    "benchmark_ref": "%s",
    "why_it_works": "%s"
  }
]

Start with '[' character. No markdown. No preamble.
</output_format>`, benchmarkHint, whyHint)

	user := fmt.Sprintf(`<app_context>
%s - %s app for %s
Tone: %s
Description: %s
</app_context>

<task>
Step 1: Analyze the screenshot
- What's the MAIN feature visible?
- What problem does this solve?
- What emotion does the UI convey?

Step 2: Write 5 variations
- Each targets a different user motivation
- Use insights from Step 1
- Match the quality of the golden examples
%s</task>`, in.AppName, in.Category, in.TargetAudience, in.Tone, in.Description, koreanSuffix(korean, "모든 텍스트 한국어 필수"))

	return b.String(), user
}

func threadPrompts(in models.InputContext) (string, string) {
	korean := isKoreanLanguage(in.Language)

	hookLimit := "60 chars max"
	if korean {
		hookLimit = "50자 이하"
	}

	var b strings.Builder
	b.WriteString("You are a viral Twitter ghostwriter.\n\n")
	b.WriteString("<mission>\nWrite threads that make indie hackers STOP scrolling and click \"Follow\".\nNot corporate announcements. Real human stories.\n</mission>\n\n")
	b.WriteString("<anti_patterns>\n")
	if korean {
		b.WriteString("❌ \"출시하게 되어 기쁩니다\", \"혁신적인 기능\", \"소개합니다\"\n✅ \"6개월 삽질함. 근데 결국:\", \"유저 5명한테 물어봤더니\", 한 문장 = 한 줄\n")
	} else {
		b.WriteString("❌ \"Excited to announce\", \"Revolutionary feature\", \"I'm thrilled to share\", \"Check out our website\"\n✅ \"6 months of building in the dark. Then:\", \"Asked 5 users. They all said:\", one sentence per line, \"Try it free. No card needed. [link]\"\n")
	}
	b.WriteString("</anti_patterns>\n\n")
	b.WriteString(`<viral_thread_anatomy>
Tweet 1 (HOOK): Open a curiosity gap
Tweet 2 (PROBLEM): Make them nod
Tweet 3 (SOLUTION): Show, don't tell
Tweet 4 (PROOF): Receipts
Tweet 5 (CTA): Frictionless
</viral_thread_anatomy>

`)
	fmt.Fprintf(&b, `<rules>
- Hook: %s
- Tweet: 240 chars max (aim for 150-200 for readability)
- No sentence over 15 words
- Use line breaks for emphasis
- Max 2 emojis per tweet
%s</rules>

`, hookLimit, koreanSuffix(korean, `- 반말 + 짧은 문장 ("~했음", "~함")`))
	fmt.Fprintf(&b, `<output_format>
{
  "design_config": {"accent_color": "#HexFromScreenshot", "suggested_layout": "bento"},
  "weekly_batch": [
    {"day": "Monday", "theme": "Origin Story", "hook": "under %s", "key_message": "core takeaway", "thread": ["Tweet 1 (Hook)", "Tweet 2 (Problem)", "Tweet 3 (Solution)", "Tweet 4 (Proof)", "Tweet 5 (CTA)"]},
    {"day": "Wednesday", "theme": "Feature Deep-dive", "hook": "...", "key_message": "...", "thread": ["...", "...", "...", "...", "..."]},
    {"day": "Friday", "theme": "Social Proof", "hook": "...", "key_message": "...", "thread": ["...", "...", "...", "...", "..."]}
  ]
}

Start with '{' character. No markdown. No preamble.
</output_format>`, hookLimit)

	user := fmt.Sprintf(`<screenshot_analysis>
First, identify:
1. What problem does this app solve?
2. What's the #1 feature shown?
3. What's unique vs competitors?
</screenshot_analysis>

<context>
App: %s
Category: %s
Audience: %s
Tone: %s
Description: %s
</context>

<task>
Generate 3 threads (Mon/Wed/Fri).
Each must tell a DIFFERENT story about the same product.
%s</task>`, in.AppName, in.Category, in.TargetAudience, in.Tone, in.Description, koreanSuffix(korean, "모든 텍스트 한국어 필수 (반말 톤)"))

	return b.String(), user
}

func koreanSuffix(korean bool, line string) string {
	if !korean {
		return ""
	}
	return line + "\n"
}

func tweetRefinePrompts(req RefineRequest) (string, string) {
	korean := containsHangul(req.Text)

	voice, example := "Indie hacker voice: humble, authentic, punchy",
		"BEFORE: \"I've been working on my app for the past few months and I think it's finally ready to launch.\"\nAFTER: \"6 months of late nights.\n\nToday, we ship.\""
	if korean {
		voice, example = "한국어 인디해커 톤: 반말, 짧은 문장, 솔직함",
			"BEFORE: \"저는 지난 몇 달 동안 앱을 만들고 있었고 드디어 출시할 준비가 된 것 같습니다.\"\nAFTER: \"6개월 밤샘 코딩.\n\n오늘 드디어 런칭.\""
	}

	system := fmt.Sprintf(`You are a Twitter ghostwriter specializing in #BuildInPublic content.
Your refined tweets get 2-3x more engagement.

<rules>
- Max 240 characters (strict limit)
- Keep core meaning and tone
- No hashtags unless requested
- No emojis unless requested
- %s
</rules>

<examples>
%s
</examples>

Return ONLY the refined tweet. No quotes. No explanation.`, voice, example)

	context := strings.TrimSpace(req.Context)
	if context == "" {
		context = "General"
	}
	user := fmt.Sprintf("Original: %q\nInstruction: %s\nContext: %s\n\nRefine this tweet:", req.Text, req.Instruction, context)
	return system, user
}

func copyRefinePrompt(req RefineRequest) string {
	app := models.InputContext{}
	if req.App != nil {
		app = *req.App
	}
	orig := models.CopyVariant{Headline: req.Text}
	if req.Original != nil {
		orig = *req.Original
	}

	return fmt.Sprintf(`You are an expert App Store Optimization (ASO) copywriter.

APP CONTEXT:
- App Name: %s
- Category: %s
- Target Audience: %s
- Tone: %s

CURRENT STATE:
- Headline: %q
- Subtext: %q
- Layout: %s
- Color: %s

USER INSTRUCTION: %q

Rewrite the copy following the instruction. Keep the layout unless the instruction makes it critical to change. Keep the color unless asked.

Return ONLY a JSON object:
{
  "headline": "refined headline",
  "subtext": "refined subtext",
  "layout": "top|center|bottom|split",
  "color_hex": "#FFFFFF",
  "aso_score": 85,
  "benchmark_ref": "Inspired by [App Name]",
  "reasoning": "why this is better"
}`,
		valueOr(app.AppName, "App"),
		valueOr(app.Category, "General"),
		valueOr(app.TargetAudience, "General Users"),
		valueOr(app.Tone, "Professional"),
		orig.Headline, orig.Subtext, valueOr(orig.Layout, "center"), valueOr(orig.ColorHex, "#FFFFFF"),
		req.Instruction)
}

const analyzeSystemPrompt = `You are an expert App Store Optimization (ASO) and UI/UX specialist.
Analyze app screenshots to extract metadata for marketing forms.

<output_format>
{
  "appName": "string (from logo/header, or infer)",
  "category": "productivity|game|social|health|education|business|other",
  "targetAudience": "string (who uses this)",
  "tone": "professional|casual|playful|inspirational",
  "description": "1-sentence summary",
  "keywords": "5-7 ASO keywords, comma separated",
  "accentColor": "#HexCode (dominant brand color)",
  "suggestedLayout": "bento|device|viral"
}
</output_format>

Return ONLY valid JSON. No explanation.`

const analyzeUserPrompt = "Analyze this screenshot and extract the metadata."

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
