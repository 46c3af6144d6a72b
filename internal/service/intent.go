package service

import (
	"regexp"
	"strings"
)

// Intent 消息意图标签
type Intent string

const (
	IntentConsent   Intent = "consent"
	IntentDecline   Intent = "decline"
	IntentSelfReset Intent = "self_reset"
	IntentMute      Intent = "mute"
	IntentUnmute    Intent = "unmute"
	IntentPlan      Intent = "plan_inquiry"
	IntentNickname  Intent = "nickname_request"
	IntentGender    Intent = "gender"
	IntentMorning   Intent = "morning"
	IntentNight     Intent = "night"
	IntentDistress  Intent = "distress"
	IntentMusic     Intent = "music"
	IntentSticker   Intent = "sticker"
	IntentMedia     Intent = "media"
	IntentDefault   Intent = "default"
)

// 控制关键词
const (
	KeywordConsent = "同意"
	KeywordDecline = "やめておく"
)

// freeIntents 不消耗额度的意图
var freeIntents = map[Intent]bool{
	IntentConsent:   true,
	IntentDecline:   true,
	IntentSelfReset: true,
	IntentMute:      true,
	IntentUnmute:    true,
	IntentPlan:      true,
	IntentNickname:  true,
	IntentGender:    true,
}

// Metered 是否计入每日额度
func (i Intent) Metered() bool {
	return !freeIntents[i]
}

type intentRule struct {
	intent Intent
	match  func(text string) bool
}

func exact(words ...string) func(string) bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[strings.ToLower(w)] = true
	}
	return func(text string) bool {
		return set[strings.ToLower(text)]
	}
}

func pattern(expr string) func(string) bool {
	re := regexp.MustCompile(expr)
	return re.MatchString
}

// intentRules 按顺序匹配，先命中者生效；精确控制词优先于子串规则
var intentRules = []intentRule{
	{IntentConsent, exact(KeywordConsent)},
	{IntentDecline, exact(KeywordDecline)},
	{IntentSelfReset, exact("リセット", "データ削除", "reset")},
	{IntentMute, exact("通知オフ", "ミュート")},
	{IntentUnmute, exact("通知オン", "ミュート解除")},
	{IntentPlan, pattern(`(?i)プラン|残り回数|あと何回|^status$`)},
	{IntentNickname, pattern(`あだ名つけて|ニックネーム`)},
	{IntentGender, pattern(`性別|^(男|女|男性|女性)(です|だよ)?$`)},
	{IntentMorning, pattern(`おはよ`)},
	{IntentNight, pattern(`おやすみ|寝る`)},
	{IntentDistress, pattern(`寂しい|さびしい|つらい|辛い|しんど`)},
	{IntentMusic, pattern(`(?i)イマドン|白い朝|day by day|mountain|i don'?t remember`)},
	{IntentSticker, pattern(`(?i)スタンプ|stamp`)},
}

// Classify 纯函数：同样的文本总是得到同样的标签
func Classify(text string) Intent {
	t := strings.TrimSpace(text)
	for _, r := range intentRules {
		if r.match(t) {
			return r.intent
		}
	}
	return IntentDefault
}

var unsafePattern = regexp.MustCompile(`(?i)セックス|えっちしよ|エッチしよ|裸の写真|ヌード|\bnudes?\b|\bsex\b`)

// IsUnsafe 简单的露骨内容拦截
func IsUnsafe(text string) bool {
	return unsafePattern.MatchString(text)
}
