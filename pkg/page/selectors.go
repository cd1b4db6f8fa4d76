package page

import (
	"fmt"
	"reflect"
	"strings"

	"golang.org/x/text/cases"
)

// Selectors names every storefront element the state machines touch.
type Selectors struct {
	// Session probe.
	LoginIndicator Selector `mapstructure:"login_indicator" yaml:"login_indicator"`
	LoginAttribute string   `mapstructure:"login_attribute" yaml:"login_attribute"`

	// Login form.
	Email           Selector   `mapstructure:"email" yaml:"email"`
	EmailContinue   Selector   `mapstructure:"email_continue" yaml:"email_continue"`
	Password        Selector   `mapstructure:"password" yaml:"password"`
	SignIn          Selector   `mapstructure:"sign_in" yaml:"sign_in"`
	TwoFactorInput  Selector   `mapstructure:"two_factor_input" yaml:"two_factor_input"`
	TwoFactorSubmit Selector   `mapstructure:"two_factor_submit" yaml:"two_factor_submit"`
	Verification    []Selector `mapstructure:"verification" yaml:"verification"`

	// Challenge overlay.
	ChallengeFrame  Selector `mapstructure:"challenge_frame" yaml:"challenge_frame"`
	ChallengeClose  Selector `mapstructure:"challenge_close" yaml:"challenge_close"`
	ChallengePrompt Selector `mapstructure:"challenge_prompt" yaml:"challenge_prompt"`
	ChallengeTask   Selector `mapstructure:"challenge_task" yaml:"challenge_task"`
	ChallengeSubmit Selector `mapstructure:"challenge_submit" yaml:"challenge_submit"`
	ChallengeError  Selector `mapstructure:"challenge_error" yaml:"challenge_error"`

	// Product page.
	Interstitial    Selector `mapstructure:"interstitial" yaml:"interstitial"`
	Heading         Selector `mapstructure:"heading" yaml:"heading"`
	MatureConfirm   Selector `mapstructure:"mature_confirm" yaml:"mature_confirm"`
	AsideButtons    Selector `mapstructure:"aside_buttons" yaml:"aside_buttons"`
	PurchaseButton  Selector `mapstructure:"purchase_button" yaml:"purchase_button"`
	AddToCartButton Selector `mapstructure:"add_to_cart_button" yaml:"add_to_cart_button"`

	// Cart.
	CartCard       Selector `mapstructure:"cart_card" yaml:"cart_card"`
	CartCardFree   Selector `mapstructure:"cart_card_free" yaml:"cart_card_free"`
	CartCardRemove Selector `mapstructure:"cart_card_remove" yaml:"cart_card_remove"`
	CheckOut       Selector `mapstructure:"check_out" yaml:"check_out"`

	// Purchase.
	LicenseAgree   Selector `mapstructure:"license_agree" yaml:"license_agree"`
	LicenseAccept  Selector `mapstructure:"license_accept" yaml:"license_accept"`
	PurchaseFrame  Selector `mapstructure:"purchase_frame" yaml:"purchase_frame"`
	PaymentConfirm Selector `mapstructure:"payment_confirm" yaml:"payment_confirm"`
	RegionConfirm  Selector `mapstructure:"region_confirm" yaml:"region_confirm"`
}

func DefaultSelectors() Selectors {
	return Selectors{
		LoginIndicator: "//egs-navigation",
		LoginAttribute: "isloggedin",

		Email:           "#email",
		EmailContinue:   "#continue",
		Password:        "#password",
		SignIn:          "#sign-in",
		TwoFactorInput:  "#code",
		TwoFactorSubmit: "#continue",
		Verification:    []Selector{"#link-success", "#login-reminder-prompt-setup-tfa-skip", "#yes"},

		ChallengeFrame:  "//iframe[contains(@title, 'hCaptcha challenge')]",
		ChallengeClose:  "//a[@class='talon_close_button']",
		ChallengePrompt: "//h2[@class='prompt-text']",
		ChallengeTask:   "//div[@class='task-image']",
		ChallengeSubmit: "//div[@class='button-submit button']",
		ChallengeError:  "//div[@class='error-text']",

		Interstitial:    "//button//span[text()='Continue']",
		Heading:         "//h1",
		MatureConfirm:   "//button[@class='css-n9sjaa']",
		AsideButtons:    "//aside//button",
		PurchaseButton:  "//aside//button[@data-testid='purchase-cta-button']",
		AddToCartButton: "//aside//button[@data-testid='add-to-cart-cta-button']",

		CartCard:       "//div[@data-testid='offer-card-layout-wrapper']",
		CartCardFree:   ".//span[text()='Free']",
		CartCardRemove: ".//button//span[text()='Move to wishlist']",
		CheckOut:       "//button//span[text()='Check Out']",

		LicenseAgree:   "//label[@for='agree']",
		LicenseAccept:  "//button//span[text()='Accept']",
		PurchaseFrame:  "//div[@id='webPurchaseContainer']//iframe",
		PaymentConfirm: "//div[@class='payment-order-confirm']",
		RegionConfirm:  "//button[contains(@class, 'payment-confirm__btn payment-btn--primary')]",
	}
}

// All returns every configured selector keyed by its field name.
func (s Selectors) All() map[string][]Selector {
	out := make(map[string][]Selector)
	v := reflect.ValueOf(s)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		switch f := v.Field(i).Interface().(type) {
		case Selector:
			out[t.Field(i).Name] = []Selector{f}
		case []Selector:
			out[t.Field(i).Name] = f
		}
	}
	return out
}

// Texts are the locale-dependent strings read off storefront buttons and
// headings. Every entry is a list of accepted variants.
type Texts struct {
	InLibrary         []string `mapstructure:"in_library" yaml:"in_library"`
	BuyNow            []string `mapstructure:"buy_now" yaml:"buy_now"`
	Get               []string `mapstructure:"get" yaml:"get"`
	AddToCart         []string `mapstructure:"add_to_cart" yaml:"add_to_cart"`
	InCart            []string `mapstructure:"in_cart" yaml:"in_cart"`
	MatureWarning     []string `mapstructure:"mature_warning" yaml:"mature_warning"`
	RegionUnavailable []string `mapstructure:"region_unavailable" yaml:"region_unavailable"`
}

func DefaultTexts() Texts {
	return Texts{
		InLibrary:         []string{"In Library", "Owned"},
		BuyNow:            []string{"Buy Now"},
		Get:               []string{"Get"},
		AddToCart:         []string{"Add To Cart"},
		InCart:            []string{"View In Cart"},
		MatureWarning:     []string{"Mature Content", "adult content"},
		RegionUnavailable: []string{"not available in your region", "not available on your platform or region"},
	}
}

func fold(s string) string {
	return cases.Fold().String(s)
}

// Contains reports whether text contains any variant, ignoring case.
func Contains(text string, variants []string) bool {
	t := fold(text)
	for _, v := range variants {
		if v != "" && strings.Contains(t, fold(v)) {
			return true
		}
	}
	return false
}

// Equals reports whether the trimmed text equals any variant, ignoring case.
func Equals(text string, variants []string) bool {
	t := fold(strings.TrimSpace(text))
	for _, v := range variants {
		if t == fold(strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}

// Validate reports the first empty text list.
func (t Texts) Validate() error {
	v := reflect.ValueOf(t)
	for i := 0; i < v.NumField(); i++ {
		list := v.Field(i).Interface().([]string)
		if len(list) == 0 {
			return fmt.Errorf("text %s has no variants", v.Type().Field(i).Name)
		}
	}
	return nil
}
