package handlers

import (
	"fmt"
	"html/template"
	"strings"

	"evmarket/web/internal/reconcile"
	"evmarket/web/internal/session"
)

// sessionView is the snapshot plus the copy the page shows for it.
type sessionView struct {
	session.Snapshot
	Heading string `json:"heading"`
	Detail  string `json:"detail"`
}

func newSessionView(snap session.Snapshot) sessionView {
	v := sessionView{Snapshot: snap}
	switch reconcile.Kind(snap.State) {
	case reconcile.KindCompleted:
		v.Heading = "Payment successful"
		if snap.Amount != "" {
			v.Detail = "Amount paid: " + formatAmount(snap.Amount)
		}
	case reconcile.KindFailed:
		v.Heading = "Payment failed"
		v.Detail = snap.Reason
	case reconcile.KindError:
		v.Heading = "We could not confirm your payment"
		v.Detail = snap.Reason
	case reconcile.KindNotFound:
		if snap.Retryable {
			v.Heading = "Order not found yet"
			v.Detail = "The payment provider has not reported this order. You can check again."
		} else {
			v.Heading = "Looking up your order"
			v.Detail = fmt.Sprintf("Attempt %d of %d.", snap.Attempt+1, reconcile.MaxNotFoundAttempts)
		}
	default:
		v.Heading = "Processing your payment"
		v.Detail = "Confirming with the payment provider. Please keep this page open."
	}
	return v
}

type pageData struct {
	View       sessionView
	SessionURL string
	LandingURL string
}

func newPageData(snap session.Snapshot, landingURL string) pageData {
	return pageData{
		View:       newSessionView(snap),
		SessionURL: "/payments/sessions/" + snap.ID,
		LandingURL: landingURL,
	}
}

// formatAmount groups a whole-number amount in threes. Anything else is
// returned unchanged.
func formatAmount(amount string) string {
	if len(amount) <= 3 || strings.Trim(amount, "0123456789") != "" {
		return amount
	}
	var b strings.Builder
	lead := len(amount) % 3
	if lead > 0 {
		b.WriteString(amount[:lead])
	}
	for i := lead; i < len(amount); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(amount[i : i+3])
	}
	return b.String()
}

var paymentPageTemplate = template.Must(template.New("payment_result").Parse(`
<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>EV Market payment</title>
  <style>
    body {
      margin: 0;
      font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif;
      background: linear-gradient(140deg, #eef8f3 0%, #f4f7fb 100%);
      color: #0f172a;
      min-height: 100vh;
      display: flex;
      align-items: center;
      justify-content: center;
      padding: 20px;
    }
    .card {
      width: 100%;
      max-width: 460px;
      background: rgba(255, 255, 255, 0.92);
      border: 1px solid rgba(15, 23, 42, 0.08);
      border-radius: 18px;
      padding: 24px;
      box-shadow: 0 14px 34px rgba(15, 23, 42, 0.09);
      text-align: center;
    }
    h1 { margin: 0 0 8px; font-size: 22px; }
    p { margin: 0 0 12px; color: #334155; }
    [data-state="completed"] h1 { color: #047857; }
    [data-state="failed"] h1, [data-state="error"] h1 { color: #b91c1c; }
    .countdown { font-size: 14px; color: #64748b; }
    button, a.button {
      border: 0;
      border-radius: 10px;
      padding: 10px 16px;
      background: #0f766e;
      color: #fff;
      font-size: 15px;
      cursor: pointer;
      text-decoration: none;
      display: inline-block;
    }
    [hidden] { display: none !important; }
  </style>
</head>
<body>
  <main class="card" id="status"
        data-state="{{.View.State}}"
        data-session-url="{{.SessionURL}}"
        data-landing-url="{{.LandingURL}}">
    <h1 id="heading">{{.View.Heading}}</h1>
    <p id="detail">{{.View.Detail}}</p>
    {{if .View.OrderID}}<p class="order">Order <span id="order-id">{{.View.OrderID}}</span></p>{{end}}
    <p class="countdown" id="countdown" hidden>Returning to EV Market in <span id="countdown-value"></span>…</p>
    <button type="button" id="retry" {{if not .View.Retryable}}hidden{{end}}>Check again</button>
    <a class="button" id="home" href="{{.LandingURL}}" {{if not .View.Terminal}}hidden{{end}}>Back to EV Market</a>
  </main>
  <script>
    (function () {
      var root = document.getElementById("status");
      var sessionURL = root.dataset.sessionUrl;
      var timer = null;
      var closed = false;

      function render(view) {
        root.dataset.state = view.state;
        document.getElementById("heading").textContent = view.heading;
        document.getElementById("detail").textContent = view.detail || "";
        document.getElementById("retry").hidden = !view.retryable;
        document.getElementById("home").hidden = !view.terminal;
        var countdown = document.getElementById("countdown");
        if (typeof view.countdown === "number") {
          countdown.hidden = false;
          document.getElementById("countdown-value").textContent = view.countdown;
        }
        if (view.redirectTo) {
          stop();
          window.location.replace(view.redirectTo);
        } else if (view.terminal && view.state !== "completed") {
          stop();
        }
      }

      function poll() {
        fetch(sessionURL, { cache: "no-store" })
          .then(function (res) { return res.ok ? res.json() : null; })
          .then(function (view) { if (view) { render(view); } else { stop(); } })
          .catch(function () {});
      }

      function stop() {
        if (timer) { clearInterval(timer); timer = null; }
      }

      function close() {
        if (closed) { return; }
        closed = true;
        stop();
        fetch(sessionURL, { method: "DELETE", keepalive: true }).catch(function () {});
      }

      document.getElementById("retry").addEventListener("click", function () {
        fetch(sessionURL + "/retry", { method: "POST" })
          .then(function (res) { return res.ok ? res.json() : null; })
          .then(function (view) { if (view) { render(view); } })
          .catch(function () {});
      });

      window.addEventListener("pagehide", close);
      timer = setInterval(poll, 1000);
      poll();
    })();
  </script>
</body>
</html>
`))
