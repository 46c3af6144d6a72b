package service

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/qs3c/line_persona_bot/config"
	"github.com/qs3c/line_persona_bot/internal/model"
)

const (
	maxNameRunes     = 20
	maxNicknameRunes = 16
	keywordAuto      = "おまかせ"
)

var skipKeywords = map[string]bool{"スキップ": true, "skip": true, "なし": true}

// OnboardingResult Consumed 为 true 时回复直接返回，不再路由
type OnboardingResult struct {
	Consumed bool
	Replies  []model.Message
}

// OnboardingService 同意与称呼登记的状态机
// Evaluate 只修改传入的工作副本，持久化由调用方负责
type OnboardingService struct {
	personaName string
	owners      map[string]bool
	loverRe     *regexp.Regexp
	intn        func(n int) int
}

func NewOnboardingService(cfg *config.Config) *OnboardingService {
	owners := make(map[string]bool, len(cfg.Owner.UserIDs))
	for _, id := range cfg.Owner.UserIDs {
		owners[strings.TrimSpace(id)] = true
	}
	var loverRe *regexp.Regexp
	if cfg.Owner.LoverPattern != "" {
		loverRe = regexp.MustCompile(cfg.Owner.LoverPattern)
	}
	return &OnboardingService{
		personaName: cfg.LLM.PersonaName,
		owners:      owners,
		loverRe:     loverRe,
		intn:        rand.IntN,
	}
}

// IsOwner 配置中的白名单用户
func (s *OnboardingService) IsOwner(userID string) bool {
	return s.owners[userID]
}

// LoverName 名字是否触发恋人语气
func (s *OnboardingService) LoverName(name string) bool {
	return s.loverRe != nil && name != "" && s.loverRe.MatchString(name)
}

// Evaluate text 为空且 isText=false 表示图片等非文本消息
func (s *OnboardingService) Evaluate(u *model.User, text string, isText bool) OnboardingResult {
	t := strings.TrimSpace(text)

	// 删除请求在任何阶段都交给路由处理，不能被当成名字记下
	if isText && Classify(t) == IntentSelfReset {
		return OnboardingResult{}
	}

	if !u.Consent {
		return s.preConsent(u, t, isText)
	}

	switch u.OnboardingStep {
	case model.StepNone, model.StepAwaitingName:
		// 已同意但尚未进入命名阶段的旧记录也从这里补齐
		u.OnboardingStep = model.StepAwaitingName
		return s.awaitingName(u, t, isText)
	case model.StepAwaitingNickname:
		return s.awaitingNickname(u, t, isText)
	}
	return OnboardingResult{}
}

func (s *OnboardingService) preConsent(u *model.User, t string, isText bool) OnboardingResult {
	if isText && t == KeywordConsent {
		u.Consent = true
		if s.IsOwner(u.ID) {
			u.OnboardingStep = model.StepDone
			u.LoverMode = true
			return consumed(
				"同意ありがとう！これからもっと仲良くなれるね☺️",
				fmt.Sprintf("%s、おかえり。今日もとなりにいるね💗", u.CallName("きみ")),
			)
		}
		u.OnboardingStep = model.StepAwaitingName
		return consumed(
			"同意ありがとう！これからもっと仲良くなれるね☺️",
			"まずはお名前（呼び方）教えて？\n例）しょうた など",
		)
	}
	if isText && t == KeywordDecline {
		return consumed("わかったよ。いつでも気が変わったら「同意」って送ってね🌸")
	}

	if !u.ConsentCardShown && u.TurnsTotal == 0 {
		u.ConsentCardShown = true
		return OnboardingResult{Consumed: true, Replies: []model.Message{s.consentCard()}}
	}
	return consumed("お話するには同意が必要なんだ…。「同意」って送ってくれたらはじめられるよ☺️")
}

func (s *OnboardingService) consentCard() model.Message {
	return model.Message{
		Type: model.ReplyConfirm,
		Text: fmt.Sprintf("はじめまして、%sです☕️\nもっと自然にお話するため、ニックネーム等を記憶しても良い？記憶は会話のためだけに使い、第三者提供しません。「リセット」でいつでも削除できます。",
			s.personaName),
		AltText: "プライバシー同意のお願い",
		Actions: []model.Action{
			{Label: "同意してはじめる", Text: KeywordConsent},
			{Label: KeywordDecline, Text: KeywordDecline},
		},
	}
}

// ValidName 去空白后 1-20 字、单行、不是控制词
func ValidName(t string) bool {
	n := utf8.RuneCountInString(t)
	return n > 0 && n <= maxNameRunes && !strings.ContainsAny(t, "\r\n") &&
		t != KeywordConsent && t != KeywordDecline
}

func (s *OnboardingService) awaitingName(u *model.User, t string, isText bool) OnboardingResult {
	if !isText || !ValidName(t) {
		return consumed(fmt.Sprintf("お名前（呼び方）を%d文字以内で教えてね📝", maxNameRunes))
	}

	u.ChosenName = model.StringPtr(t)
	u.LoverMode = s.IsOwner(u.ID) || s.LoverName(t)
	u.OnboardingStep = model.StepAwaitingNickname

	return OnboardingResult{Consumed: true, Replies: []model.Message{
		model.TextMessage(fmt.Sprintf("じゃあ %s って呼ぶね！", t)),
		{
			Type:    model.ReplyConfirm,
			Text:    fmt.Sprintf("呼ばれたいあだ名があったら送ってね（%d文字まで）。決めてほしいなら「おまかせ」、いらなければ「スキップ」！", maxNicknameRunes),
			AltText: "あだ名を教えて",
			Actions: []model.Action{
				{Label: keywordAuto, Text: keywordAuto},
				{Label: "スキップ", Text: "スキップ"},
			},
		},
	}}
}

func (s *OnboardingService) awaitingNickname(u *model.User, t string, isText bool) OnboardingResult {
	if !isText {
		return consumed("あだ名を送ってね。いらなければ「スキップ」でOKだよ")
	}

	switch {
	case skipKeywords[strings.ToLower(t)]:
		u.OnboardingStep = model.StepDone
		return consumed(fmt.Sprintf("OK！これからよろしくね、%s☺️", u.CallName("きみ")))
	case t == keywordAuto:
		nick := SuggestNickname(u, s.LoverName, s.intn)
		u.Nickname = model.StringPtr(nick)
		u.OnboardingStep = model.StepDone
		return consumed(fmt.Sprintf("うーん…%s はどう？これからよろしくね☺️", nick))
	}

	n := utf8.RuneCountInString(t)
	if n == 0 || n > maxNicknameRunes || strings.ContainsAny(t, "\r\n") {
		return consumed(fmt.Sprintf("あだ名は%d文字までにしてね。いらなければ「スキップ」！", maxNicknameRunes))
	}

	u.Nickname = model.StringPtr(t)
	u.OnboardingStep = model.StepDone
	return consumed(fmt.Sprintf("%s、いい響き！これからよろしくね☺️", t))
}

var honorifics = strings.NewReplacer("さん", "", "くん", "", "ちゃん", "")

// SuggestNickname 由名字生成可爱的昵称
func SuggestNickname(u *model.User, lover func(string) bool, intn func(int) int) string {
	name := u.DisplayName
	if u.ChosenName != nil && *u.ChosenName != "" {
		name = *u.ChosenName
	}
	if lover(name) {
		pool := []string{"しょーたん", "しょたぴ", "しょうちゃん"}
		return pool[intn(len(pool))]
	}

	base := []rune(honorifics.Replace(name))
	if len(base) > 4 {
		base = base[:4]
	}
	stem := string(base)
	if stem == "" {
		stem = "きみ"
	}
	suffixes := []string{"ちゃん", "くん", "たん", "ぴ", "っち"}
	return stem + suffixes[intn(len(suffixes))]
}

func consumed(texts ...string) OnboardingResult {
	msgs := make([]model.Message, 0, len(texts))
	for _, t := range texts {
		msgs = append(msgs, model.TextMessage(t))
	}
	return OnboardingResult{Consumed: true, Replies: msgs}
}
