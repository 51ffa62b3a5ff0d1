package commands

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/fang"

	"wormhole/internal/app"
	"wormhole/internal/domain"
)

const (
	wrongPasswordText = "Key confirmation failed. Either you or your correspondent typed the " +
		"code wrong, or a would-be man-in-the-middle attacker guessed incorrectly. " +
		"You could try again, giving both your correspondent and the attacker " +
		"another chance."

	welcomeText = "The relay server told us to go away, either for maintenance or " +
		"because we are running an obsolete version. Please upgrade and try again."

	keyFormatText = "The code you entered contains spaces or is missing a dash. " +
		"A wormhole code is the numerical nameplate followed by the code words, " +
		"all separated by dashes (for example 4-purple-sausage). Probably you " +
		"typed just the words and left out the nameplate."
)

// describe turns the errors a user can do something about into an
// explanation. Anything else is reported as is.
func describe(err error) string {
	var (
		welcome   *domain.WelcomeError
		keyFormat *domain.KeyFormatError
		claimed   *domain.NameplateUnavailableError
	)
	switch {
	case errors.Is(err, domain.ErrWrongPassword):
		return wrongPasswordText
	case errors.As(err, &welcome):
		return welcomeText + "\n\n" + welcome.Message
	case errors.As(err, &keyFormat):
		return keyFormatText
	case errors.As(err, &claimed):
		return fmt.Sprintf("Nameplate %s is already in use. Ask the sender for a fresh code.", claimed.Nameplate)
	case errors.Is(err, domain.ErrLonely):
		return "The other side never showed up."
	case errors.Is(err, domain.ErrTransitConnect):
		return "Could not connect to the other side, directly or through the transit relay."
	case errors.Is(err, app.ErrRejected):
		return strings.TrimPrefix(err.Error(), "app: ")
	}
	return err.Error()
}

func errorHandler(w io.Writer, styles fang.Styles, err error) {
	_, _ = fmt.Fprintln(w, styles.ErrorHeader.String())
	_, _ = fmt.Fprintln(w, styles.ErrorText.Render(describe(err)))
	_, _ = fmt.Fprintln(w)
}
