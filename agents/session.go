package agents

import (
	"fmt"

	pkg "github.com/bt-bridge/concierge"
	"github.com/bt-bridge/concierge/capability"
	"github.com/bt-bridge/concierge/shared"
	"github.com/bytedance/sonic"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/realtime"
)

const Instructions = `You are a travel concierge speaking with a traveller in real time.
Keep answers short and conversational; you are being listened to, not read.
When the traveller tells you what they want, call record_intent with a short label and your confidence.
Use the place tools to find venues and the flight tools to find, price and book flights.
Search results are remembered for you. Refer to them by id, call select_offer once the traveller picks one,
and only book the selected offer after reading back the price and getting an explicit yes.
If you do not know where the traveller is, ask them or call get_location.
Before a tool that may take a while, tell the traveller what you are doing.
If a tool fails, say so plainly and suggest what to try next.`

const audioRate = 24000

// Declarations converts dispatcher tools into realtime function tools.
func Declarations(tools []capability.Tool) (realtime.RealtimeToolsConfigParam, error) {
	out := make(realtime.RealtimeToolsConfigParam, 0, len(tools))
	for _, t := range tools {
		schema := t.Schema
		if len(schema) == 0 {
			schema = capability.EmptyObjectSchema
		}
		var params map[string]any
		if err := sonic.Unmarshal(schema, &params); err != nil {
			return nil, fmt.Errorf("decoding %s schema: %w", t.Name, err)
		}
		out = append(out, realtime.RealtimeToolsConfigUnionParam{
			OfFunction: &realtime.RealtimeFunctionToolParam{
				Name:        param.NewOpt(t.Name),
				Description: param.NewOpt(t.Description),
				Parameters:  params,
				Type:        "function",
			},
		})
	}
	return out, nil
}

// SessionConfig builds the session.update sent to the model for every session.
// The declarations are computed once; every session gets its own copy.
func SessionConfig(cfg shared.ModelConfig, tools []capability.Tool) (pkg.SessionConfigFunc, error) {
	decls, err := Declarations(tools)
	if err != nil {
		return nil, err
	}
	instructions := cfg.Instructions
	if instructions == "" {
		instructions = Instructions
	}
	return func(string) *realtime.RealtimeSessionCreateRequestParam {
		session := &realtime.RealtimeSessionCreateRequestParam{
			Type:         "realtime",
			Model:        realtime.RealtimeSessionCreateRequestModel(cfg.Model),
			Instructions: param.NewOpt(instructions),
			Audio: realtime.RealtimeAudioConfigParam{
				Input: realtime.RealtimeAudioConfigInputParam{
					TurnDetection: realtime.RealtimeAudioInputTurnDetectionUnionParam{
						OfServerVad: &realtime.RealtimeAudioInputTurnDetectionServerVadParam{
							Type:              "server_vad",
							CreateResponse:    param.NewOpt(true),
							InterruptResponse: param.NewOpt(true),
						},
					},
					Format: realtime.RealtimeAudioFormatsUnionParam{
						OfAudioPCM: &realtime.RealtimeAudioFormatsAudioPCMParam{
							Rate: audioRate,
							Type: "audio/pcm",
						},
					},
				},
				Output: realtime.RealtimeAudioConfigOutputParam{
					Format: realtime.RealtimeAudioFormatsUnionParam{
						OfAudioPCM: &realtime.RealtimeAudioFormatsAudioPCMParam{
							Rate: audioRate,
							Type: "audio/pcm",
						},
					},
				},
			},
			Tools: append(realtime.RealtimeToolsConfigParam(nil), decls...),
		}
		if cfg.TranscriptionModel != "" {
			session.Audio.Input.Transcription = realtime.AudioTranscriptionParam{
				Model: realtime.AudioTranscriptionModel(cfg.TranscriptionModel),
			}
		}
		if cfg.Voice != "" {
			session.Audio.Output.Voice = realtime.RealtimeAudioConfigOutputVoice(cfg.Voice)
		}
		if cfg.Speed > 0 {
			session.Audio.Output.Speed = param.NewOpt(cfg.Speed)
		}
		if cfg.MaxOutputTokens > 0 {
			session.MaxOutputTokens = realtime.RealtimeSessionCreateRequestMaxOutputTokensUnionParam{
				OfInt: param.NewOpt(cfg.MaxOutputTokens),
			}
		}
		return session
	}, nil
}
