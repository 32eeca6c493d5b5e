package match

import (
	"fmt"
	"time"
)

const msgTimeExpired = "Time is up for this challenge; your last pending answer was not counted."

func bannerText(opponent string, words int, d time.Duration) string {
	return fmt.Sprintf("The translation challenge begins, your opponent is: %s\nYou have %d seconds to translate %d words.",
		opponent, int(d.Seconds()), words)
}

func questionText(i, words int, word string) string {
	return fmt.Sprintf("Challenge %d/%d: %s", i+1, words, word)
}

func statsText(t Tally) string {
	return fmt.Sprintf("You translated %d words correctly, got %d wrong and left %d unanswered. Please wait...",
		t.Correct, t.Wrong, t.Unanswered)
}

func outcomeText(self, other, winBonus, newTotal int) string {
	msg := fmt.Sprintf("You scored %d points. Your opponent scored %d points.", self, other)
	switch {
	case self > other:
		msg += fmt.Sprintf("\nCongratulations, you won! You earned %d bonus points, for a total of %d points.", winBonus, newTotal)
	case self < other:
		msg += "\nToo bad, you lost! Better luck next time."
	default:
		msg += "\nIt's a tie! Good game."
	}
	return msg
}
